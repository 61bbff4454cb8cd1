package ceremonycli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/drand/ceremony/client"
	"github.com/drand/ceremony/common/log"
	"github.com/drand/ceremony/internal/ceremony"
)

func newClient(c *cli.Context, l log.Logger) *client.Client {
	return client.New(l, c.String(urlFlag.Name), c.String(tokenFlag.Name), nil)
}

func statusCmd(c *cli.Context, l log.Logger) error {
	cl := newClient(c, l)
	id := c.String(ceremonyIDFlag.Name)
	if id == "" {
		cers, err := cl.Ceremonies(c.Context)
		if err != nil {
			return err
		}
		if logJSON(c) {
			return printJSON(c.App.Writer, cers)
		}
		w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATE\tENDS")
		for _, cer := range cers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cer.ID, cer.Title, cer.State, cer.EndDate.Format(time.RFC3339))
		}
		return w.Flush()
	}

	views, err := cl.Circuits(c.Context, id)
	if err != nil {
		return err
	}
	if logJSON(c) {
		return printJSON(c.App.Writer, views)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tCIRCUIT\tCONTRIBUTIONS\tWAITING\tHOLDER")
	for _, v := range views {
		var done uint64
		var waiting int
		holder := "-"
		if q := v.Queue; q != nil {
			done = q.CompletedContributions
			waiting = len(q.Contributors)
			if q.CurrentContributor != "" {
				holder = q.CurrentContributor
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", v.Circuit.SequencePosition, v.Circuit.Prefix, done, waiting, holder)
	}
	return w.Flush()
}

func finalizeCmd(c *cli.Context, l log.Logger) error {
	id := c.String(ceremonyIDFlag.Name)
	if err := newClient(c, l).FinalizeCeremony(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "ceremony %s finalized\n", id)
	return nil
}

func requestCmd(c *cli.Context, l log.Logger) error {
	asg, err := newClient(c, l).RequestNextCircuit(c.Context, c.String(ceremonyIDFlag.Name))
	if errors.Is(err, ceremony.ErrNoneAvailable) {
		fmt.Fprintln(c.App.Writer, "nothing left to contribute to, thank you!")
		return nil
	}
	if err != nil {
		return err
	}
	if logJSON(c) {
		return printJSON(c.App.Writer, asg)
	}
	if asg.Locked() {
		fmt.Fprintf(c.App.Writer, "circuit %s is yours until %s\nattempt: %s\n",
			asg.Circuit.Prefix, asg.Attempt.ExpiresAt.Format(time.RFC3339), asg.Attempt.ID)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "waiting for circuit %s, position %d\n", asg.Circuit.Prefix, asg.Position)
	return nil
}

func resumeCmd(c *cli.Context, l log.Logger) error {
	st, err := newClient(c, l).ResumeAfterReconnect(c.Context, c.String(attemptFlag.Name))
	if err != nil {
		return err
	}
	if logJSON(c) {
		return printJSON(c.App.Writer, st)
	}
	fmt.Fprintf(c.App.Writer, "attempt %s on %s: %s, step %s\n",
		st.Attempt.ID, st.Circuit.Prefix, st.Attempt.State, st.Attempt.Step)
	if st.Session != nil {
		fmt.Fprintf(c.App.Writer, "upload %s: %d of %d parts missing\n",
			st.Session.ID, len(st.Missing), len(st.Session.Parts))
	}
	return nil
}

func downloadCmd(c *cli.Context, l log.Logger) error {
	dl, err := newClient(c, l).AuthorizeDownload(c.Context, c.String(attemptFlag.Name))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, dl.URL)
	return nil
}

func uploadCmd(c *cli.Context, l log.Logger) error {
	u := &client.Uploader{
		Client:    newClient(c, l),
		ChunkSize: c.Int64(chunkFlag.Name),
		Log:       l,
	}
	if !logJSON(c) {
		u.Progress = c.App.ErrWriter
	}
	res, err := u.Contribute(c.Context, c.String(attemptFlag.Name), c.String(fileFlag.Name), c.Duration(computationFlag.Name))
	if res != nil && logJSON(c) {
		if perr := printJSON(c.App.Writer, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !logJSON(c) {
		fmt.Fprintf(c.App.Writer, "contribution #%d accepted, verified in %s\n", res.Index, res.Took)
	}
	return nil
}

func attestCmd(c *cli.Context, l log.Logger) error {
	att, err := newClient(c, l).Attestation(c.Context, c.String(ceremonyIDFlag.Name))
	if err != nil {
		return err
	}
	if logJSON(c) {
		return printJSON(c.App.Writer, att)
	}
	fmt.Fprintf(c.App.Writer, "I, %s, contributed to the %s ceremony.\n", att.ParticipantID, att.Title)
	for _, e := range att.Entries {
		if !e.Valid {
			fmt.Fprintf(c.App.Writer, "Circuit: %s\nNo valid contribution\n\n", e.Name)
			continue
		}
		fmt.Fprintf(c.App.Writer, "Circuit: %s\nContributor # %d\n%x\n\n", e.Name, e.Index+1, e.Hash)
	}
	if !att.Complete() {
		fmt.Fprintln(c.App.Writer, "some circuits are still missing a valid contribution")
	}
	return nil
}

func printJSON(w io.Writer, j interface{}) error {
	buff, err := json.MarshalIndent(j, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal: %w", err)
	}
	fmt.Fprintln(w, string(buff))
	return nil
}
