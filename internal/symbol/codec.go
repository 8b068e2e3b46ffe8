// Package symbol parses and formats OCC-style options symbols:
//
//	O:SPY251219C00650000
//
// Grammar: optional "O:" or "O." prefix, a ticker of one or more letters,
// a 6-digit date (YYMMDD), a contract kind letter (C or P), and an
// 8-digit strike encoded as dollars*1000. The anchor for parsing is the
// last C/P letter that is immediately followed by exactly 8 digits
// running to the end of the string; everything before that is the date
// (the preceding 6 characters) and the ticker (whatever remains).
package symbol

import (
	"fmt"
	"strconv"
	"time"

	"optionsflow/internal/vendorerr"
	"optionsflow/pkg/types"
)

const strikeDigits = 8
const dateDigits = 6

// Parse decodes an OCC symbol into a Contract. It returns
// vendorerr.ErrMalformedSymbol wrapped with the offending symbol on any
// grammar deviation.
func Parse(sym string) (types.Contract, error) {
	body := stripPrefix(sym)

	if len(body) < dateDigits+1+strikeDigits {
		return types.Contract{}, malformed(sym)
	}

	anchor, kind, ok := findAnchor(body)
	if !ok {
		return types.Contract{}, malformed(sym)
	}

	strikeStr := body[anchor+1:]
	if len(strikeStr) != strikeDigits {
		return types.Contract{}, malformed(sym)
	}
	strikeThousandths, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return types.Contract{}, malformed(sym)
	}

	dateStart := anchor - dateDigits
	if dateStart < 1 {
		return types.Contract{}, malformed(sym)
	}
	dateStr := body[dateStart:anchor]
	expiration, err := time.Parse("060102", dateStr)
	if err != nil {
		return types.Contract{}, malformed(sym)
	}

	ticker := body[:dateStart]
	if ticker == "" {
		return types.Contract{}, malformed(sym)
	}
	for _, r := range ticker {
		if r < 'A' || r > 'Z' {
			return types.Contract{}, malformed(sym)
		}
	}

	strike := float64(strikeThousandths) / 1000.0
	if strike <= 0 {
		return types.Contract{}, malformed(sym)
	}

	return types.Contract{
		Underlying: ticker,
		Strike:     strike,
		Expiration: expiration,
		Kind:       kind,
	}, nil
}

// findAnchor scans body right-to-left for a C or P immediately followed by
// exactly 8 digits running to the end of the string. Returns the index of
// the anchor letter.
func findAnchor(body string) (idx int, kind types.OptionKind, ok bool) {
	if len(body) < strikeDigits+1 {
		return 0, "", false
	}
	anchor := len(body) - strikeDigits - 1
	if anchor < 0 {
		return 0, "", false
	}
	switch body[anchor] {
	case 'C':
		kind = types.Call
	case 'P':
		kind = types.Put
	default:
		return 0, "", false
	}
	for _, r := range body[anchor+1:] {
		if r < '0' || r > '9' {
			return 0, "", false
		}
	}
	return anchor, kind, true
}

func stripPrefix(sym string) string {
	if len(sym) >= 2 && sym[0] == 'O' && (sym[1] == ':' || sym[1] == '.') {
		return sym[2:]
	}
	return sym
}

func malformed(sym string) error {
	return fmt.Errorf("%q: %w", sym, vendorerr.ErrMalformedSymbol)
}

// Format returns the canonical OCC symbol for a Contract.
func Format(c types.Contract) string {
	return c.OCCSymbol()
}

// DTE computes days-to-expiration versus local midnight today. A negative
// result means the contract is expired.
func DTE(expiration time.Time) int {
	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	exp := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, now.Location())
	return int(exp.Sub(today).Hours() / 24)
}
