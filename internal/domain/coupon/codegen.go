package coupon

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	// DefaultCodeLength is the random part length of generated codes.
	DefaultCodeLength = 8
	batchFPR          = 0.0001
	maxBatchAttempts  = 16
)

// GenerateCode returns a random code of n characters drawn from a
// cryptographic source.
func GenerateCode(n int) (string, error) {
	if n <= 0 {
		return "", errors.Errorf("invalid code length %d", n)
	}
	limit := big.NewInt(int64(len(codeAlphabet)))

	var b strings.Builder
	b.Grow(n)
	for range n {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", errors.Wrap(err, "read random")
		}
		b.WriteByte(codeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// GenerateCodeWithPrefix returns PREFIX-XXXX, or just the random part when
// prefix is empty.
func GenerateCodeWithPrefix(prefix string, n int) (string, error) {
	code, err := GenerateCode(n)
	if err != nil {
		return "", err
	}
	prefix = NormalizeCode(strings.TrimSuffix(prefix, "-"))
	if prefix == "" {
		return code, nil
	}
	return prefix + "-" + code, nil
}

// Batch hands out prefixed codes that are unique within the batch. A bloom
// filter keeps memory bounded for large campaigns; a false positive only
// costs one extra draw.
type Batch struct {
	prefix string
	length int
	seen   *bloom.BloomFilter
}

// NewBatch prepares a batch expected to hold about size codes.
func NewBatch(prefix string, length, size int) *Batch {
	if length <= 0 {
		length = DefaultCodeLength
	}
	if size <= 0 {
		size = 1
	}
	return &Batch{
		prefix: prefix,
		length: length,
		seen:   bloom.NewWithEstimates(uint(size), batchFPR),
	}
}

// Next returns a code not yet handed out by this batch.
func (b *Batch) Next() (string, error) {
	for range maxBatchAttempts {
		code, err := GenerateCodeWithPrefix(b.prefix, b.length)
		if err != nil {
			return "", err
		}
		if b.seen.TestOrAddString(code) {
			continue
		}
		return code, nil
	}
	return "", errors.Errorf("no unique code after %d attempts", maxBatchAttempts)
}

// Mark records an externally supplied code so Next never returns it.
func (b *Batch) Mark(code string) {
	b.seen.AddString(NormalizeCode(code))
}

// Seen reports whether code may already be part of the batch.
func (b *Batch) Seen(code string) bool {
	return b.seen.TestString(NormalizeCode(code))
}
