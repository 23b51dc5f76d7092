package basic

import (
	"github.com/pkg/errors"
)

// KeyTypeCode on-disk codepoint of a key domain, stored in the root header.
type KeyTypeCode byte

const (
	KeyTypeInt     KeyTypeCode = 1
	KeyTypeBigint  KeyTypeCode = 2
	KeyTypeVarchar KeyTypeCode = 3
	KeyTypeDecimal KeyTypeCode = 4
	KeyTypeMidx    KeyTypeCode = 5
)

// KeyDomain compares and inspects packed key bytes. Implementations are
// stateless and shared between transactions.
type KeyDomain interface {
	TypeCode() KeyTypeCode
	Name() string
	// Compare orders two packed keys.
	Compare(a, b []byte) int
	IsMidxKey() bool
}

// UniquePrefixer is the optional "unique prefix" capability a domain may
// provide: a minimal separator key S with left < S <= right, used to keep
// non-leaf separators short on leaf split.
type UniquePrefixer interface {
	UniquePrefix(left, right []byte) []byte
}

// KeyVal one key value as presented by callers.
type KeyVal struct {
	IsNull bool
	Bytes  []byte
}

func NullKey() KeyVal {
	return KeyVal{IsNull: true}
}

func Key(b []byte) KeyVal {
	return KeyVal{Bytes: b}
}

// EncodeDomain serializes a domain for the root page header.
func EncodeDomain(d KeyDomain) []byte {
	if md, ok := d.(*MidxKeyDomain); ok {
		out := []byte{byte(KeyTypeMidx), byte(len(md.Cols))}
		for _, col := range md.Cols {
			out = append(out, byte(col.TypeCode()))
		}
		return out
	}
	return []byte{byte(d.TypeCode())}
}

// DecodeDomain is the inverse of EncodeDomain.
func DecodeDomain(b []byte) (KeyDomain, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrUnknownKeyType, "empty domain descriptor")
	}
	code := KeyTypeCode(b[0])
	if code != KeyTypeMidx {
		return scalarDomainByCode(code)
	}
	if len(b) < 2 {
		return nil, errors.Wrap(ErrUnknownKeyType, "truncated midxkey descriptor")
	}
	n := int(b[1])
	if len(b) < 2+n {
		return nil, errors.Wrap(ErrUnknownKeyType, "truncated midxkey columns")
	}
	cols := make([]KeyDomain, n)
	for i := 0; i < n; i++ {
		col, err := scalarDomainByCode(KeyTypeCode(b[2+i]))
		if err != nil {
			return nil, err
		}
		cols[i] = col
	}
	return &MidxKeyDomain{Cols: cols}, nil
}

func scalarDomainByCode(code KeyTypeCode) (KeyDomain, error) {
	switch code {
	case KeyTypeInt:
		return IntDomain, nil
	case KeyTypeBigint:
		return BigintDomain, nil
	case KeyTypeVarchar:
		return VarcharDomain, nil
	case KeyTypeDecimal:
		return DecimalDomain, nil
	}
	return nil, errors.Wrapf(ErrUnknownKeyType, "codepoint %d", code)
}
