package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	errNegative   = errors.New("negative value")
	errOverflow   = errors.New("value exceeds uint256")
	errNotNumeric = errors.New("not a numeric value")
)

// Uint256 normalizes a source-native integer into a big.Int in [0, 2^256).
// Strings may be base-10 or 0x-prefixed hex.
func Uint256(v any) (*big.Int, error) {
	var n *big.Int
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, errNotNumeric
		}
		n = new(big.Int).Set(x)
	case big.Int:
		n = new(big.Int).Set(&x)
	case int:
		n = big.NewInt(int64(x))
	case int8:
		n = big.NewInt(int64(x))
	case int16:
		n = big.NewInt(int64(x))
	case int32:
		n = big.NewInt(int64(x))
	case int64:
		n = big.NewInt(x)
	case uint:
		n = new(big.Int).SetUint64(uint64(x))
	case uint8:
		n = new(big.Int).SetUint64(uint64(x))
	case uint16:
		n = new(big.Int).SetUint64(uint64(x))
	case uint32:
		n = new(big.Int).SetUint64(uint64(x))
	case uint64:
		n = new(big.Int).SetUint64(x)
	case json.Number:
		return parseUintString(string(x))
	case string:
		return parseUintString(x)
	default:
		return nil, fmt.Errorf("%w: %T", errNotNumeric, v)
	}
	return checkRange(n)
}

func parseUintString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errNotNumeric
	}
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	if digits == "" {
		return nil, errNotNumeric
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errNotNumeric, s)
	}
	return checkRange(n)
}

func checkRange(n *big.Int) (*big.Int, error) {
	if n.Sign() < 0 {
		return nil, errNegative
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, errOverflow
	}
	return n, nil
}

// Number renders a normalized integer as a JSON number literal.
func Number(v any) (any, error) {
	n, err := Uint256(v)
	if err != nil {
		return nil, err
	}
	return json.Number(n.String()), nil
}

// NumberList normalizes a list of integers.
func NumberList(v any) (any, error) {
	var items []any
	switch x := v.(type) {
	case []*big.Int:
		for _, n := range x {
			items = append(items, n)
		}
	case []string:
		for _, s := range x {
			items = append(items, s)
		}
	case []json.Number:
		for _, s := range x {
			items = append(items, s)
		}
	case []any:
		items = x
	default:
		return nil, fmt.Errorf("%w: expected list, got %T", errNotNumeric, v)
	}

	out := make([]json.Number, 0, len(items))
	for i, it := range items {
		n, err := Uint256(it)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, json.Number(n.String()))
	}
	return out, nil
}

// Address normalizes an account address into its checksummed hex form. Short hex
// strings are left-padded to 20 bytes.
func Address(v any) (any, error) {
	switch x := v.(type) {
	case common.Address:
		return x.Hex(), nil
	case string:
		s := strings.TrimSpace(x)
		if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
			return nil, fmt.Errorf("address %q lacks 0x prefix", x)
		}
		digits := s[2:]
		if digits == "" || len(digits) > 2*common.AddressLength {
			return nil, fmt.Errorf("address %q has invalid length", x)
		}
		for _, c := range digits {
			if !isHex(c) {
				return nil, fmt.Errorf("address %q is not hex", x)
			}
		}
		return common.HexToAddress(s).Hex(), nil
	default:
		return nil, fmt.Errorf("unsupported address type %T", v)
	}
}

// Timestamp narrows a source timestamp to int64 seconds.
func Timestamp(v any) (int64, error) {
	n, err := Uint256(v)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, errors.New("timestamp exceeds int64")
	}
	return n.Int64(), nil
}

func isHex(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
