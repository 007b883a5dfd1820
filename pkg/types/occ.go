package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// OCC symbol layout: UNDERLYING + yymmdd + C|P + SSSSSSSS, where the last
// eight digits are the strike times 1000, zero padded. AAPL 2025-06-20
// 212.50 call encodes as AAPL250620C00212500.

// EncodeOCC builds the canonical OCC symbol for a contract.
func EncodeOCC(underlying string, expiration time.Time, typ OptionType, strike float64) string {
	cp := "C"
	if typ == OptionPut {
		cp = "P"
	}
	milli := int64(math.Round(strike * 1000))
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(strings.TrimSpace(underlying)),
		expiration.Format("060102"), cp, milli)
}

// ParseOCC splits an OCC symbol into its parts. Vendor prefixes such as
// "O:" must be stripped before calling. Parsing is strict: a malformed
// symbol returns an error rather than a zero contract.
func ParseOCC(symbol string) (underlying string, expiration time.Time, typ OptionType, strike float64, err error) {
	s := strings.TrimSpace(symbol)
	// Shortest legal symbol: 1-char root + 6-digit date + C/P + 8-digit strike.
	if len(s) < 16 {
		err = fmt.Errorf("occ symbol %q too short", symbol)
		return
	}

	strikePart := s[len(s)-8:]
	cp := s[len(s)-9]
	datePart := s[len(s)-15 : len(s)-9]
	root := s[:len(s)-15]

	if root == "" {
		err = fmt.Errorf("occ symbol %q has empty underlying", symbol)
		return
	}
	for _, r := range root {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '.' {
			err = fmt.Errorf("occ symbol %q has invalid underlying %q", symbol, root)
			return
		}
	}

	switch cp {
	case 'C':
		typ = OptionCall
	case 'P':
		typ = OptionPut
	default:
		err = fmt.Errorf("occ symbol %q has invalid call/put flag %q", symbol, string(cp))
		return
	}

	expiration, err = time.Parse("060102", datePart)
	if err != nil {
		err = fmt.Errorf("occ symbol %q has invalid expiration %q: %w", symbol, datePart, err)
		return
	}

	milli, perr := strconv.ParseInt(strikePart, 10, 64)
	if perr != nil {
		err = fmt.Errorf("occ symbol %q has invalid strike %q: %w", symbol, strikePart, perr)
		return
	}

	underlying = root
	strike = float64(milli) / 1000
	return
}

// StripVendorPrefix removes a vendor namespace such as "O:" from an option
// symbol, leaving the bare OCC form.
func StripVendorPrefix(symbol string) string {
	if i := strings.IndexByte(symbol, ':'); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}
