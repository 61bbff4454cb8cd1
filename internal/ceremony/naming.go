package ceremony

import (
	"fmt"
	"math"
	"path"
	"strings"
)

// zkeyIndexDigits is the zero padding of zkey file indexes.
const zkeyIndexDigits = 5

// GenesisZkeyIndex is the index of the artifact every circuit starts from.
const GenesisZkeyIndex = 0

// FormatZkeyIndex pads a zkey index to five digits.
func FormatZkeyIndex(i uint64) string {
	return fmt.Sprintf("%0*d", zkeyIndexDigits, i)
}

// ZkeyName is the file name of the i-th zkey of a circuit.
func ZkeyName(circuitPrefix string, i uint64) string {
	return fmt.Sprintf("%s_%s.zkey", circuitPrefix, FormatZkeyIndex(i))
}

// ZkeyKey is the object key of the i-th zkey of a circuit.
func ZkeyKey(circuitPrefix string, i uint64) string {
	return path.Join("circuits", circuitPrefix, "contributions", ZkeyName(circuitPrefix, i))
}

// ArtifactKey is the object key produced by the contribution at index. The
// artifact of contribution 0 is zkey 1, zkey 0 being the genesis.
func ArtifactKey(circuitPrefix string, index uint64) string {
	return ZkeyKey(circuitPrefix, index+1)
}

// PredecessorKey is the object key a contribution at index transforms.
func PredecessorKey(circuitPrefix string, index uint64) string {
	return ZkeyKey(circuitPrefix, index)
}

// BucketName is the bucket of a ceremony: its prefix followed by the
// deployment postfix.
func BucketName(ceremonyPrefix, postfix string) string {
	return strings.ToLower(ceremonyPrefix + postfix)
}

// ExtractPrefix turns a title into a storage friendly prefix.
func ExtractPrefix(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Sizes of serialized curve points, uncompressed, in bytes.
var pointSizes = map[string][2]uint64{
	"bn128":     {64, 128},
	"bn254":     {64, 128},
	"bls12-381": {96, 192},
	"bls12381":  {96, 192},
}

// zkeyHeaderBytes covers sections whose size does not depend on the circuit.
const zkeyHeaderBytes = 4096

// EstimateZkeySize estimates the size in bytes of a groth16 zkey for m. Each
// wire carries A and B1 in G1 and B2 in G2, private wires carry a C point
// and the evaluation domain carries the H points.
func EstimateZkeySize(m CircuitMetadata) uint64 {
	sizes, ok := pointSizes[strings.ToLower(m.Curve)]
	if !ok {
		sizes = pointSizes["bn128"]
	}
	g1, g2 := sizes[0], sizes[1]
	private := uint64(0)
	if m.Wires > m.PublicInputs+1 {
		private = m.Wires - m.PublicInputs - 1
	}
	domain := nextPowerOfTwo(m.Constraints + m.PublicInputs + 1)
	return zkeyHeaderBytes + m.Wires*(2*g1+g2) + private*g1 + domain*g1
}

func nextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// minPoT is the smallest powers of tau file published.
const minPoT = 2

// EstimatePoT returns the smallest power p, at least minPoT, such that 2^p
// powers of tau cover the constraints and outputs of m.
func EstimatePoT(m CircuitMetadata) uint32 {
	n := m.Constraints + m.Outputs
	p := uint32(minPoT)
	for p < 63 && uint64(1)<<p < n {
		p++
	}
	return p
}

// bytesPerGB is the binary gigabyte.
const bytesPerGB = 1 << 30

// ConvertToGB converts a byte count to gigabytes.
func ConvertToGB(bytes uint64) float64 {
	return float64(bytes) / bytesPerGB
}

// ZkeySpaceRequirementsGB is the disk a contributor needs: the predecessor
// zkey plus the one being produced.
func ZkeySpaceRequirementsGB(zkeySize uint64) float64 {
	return math.Ceil(ConvertToGB(2*zkeySize)*100) / 100
}
