package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TOLERANT JSON SCALARS
// The ERP encodes numbers as strings (sometimes with a decimal comma), ids
// as numbers or strings, and dates in Brazilian or ISO layouts.
// =============================================================================

// Number is a decimal that accepts 12.5, "12.5", "12,50", "1.234,56" and
// "R$ 10,00". Null or "" decode to zero with Valid false.
type Number struct {
	Value decimal.Decimal
	Valid bool
}

func NewNumber(d decimal.Decimal) Number { return Number{Value: d, Valid: true} }

func (n *Number) UnmarshalJSON(b []byte) error {
	raw, isNull, err := scalar(b)
	if err != nil || isNull || raw == "" {
		*n = Number{}
		return err
	}
	d, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*n = Number{Value: d, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value.String())
}

// ParseAmount parses a monetary string in either decimal notation.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

// ID accepts 123 or "123".
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	raw, _, err := scalar(b)
	if err != nil {
		return err
	}
	*id = ID(strings.TrimSpace(raw))
	return nil
}

// Date accepts dd/mm/yyyy, yyyy-mm-dd, yyyy-mm-dd hh:mm:ss and RFC 3339.
// Empty strings, null and 0000-00-00 decode to the zero time.
type Date struct {
	time.Time
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

func (d *Date) UnmarshalJSON(b []byte) error {
	raw, isNull, err := scalar(b)
	if err != nil {
		return err
	}
	if isNull || raw == "" || strings.HasPrefix(raw, "0000-00-00") {
		d.Time = time.Time{}
		return nil
	}
	t, err := ParseDate(raw)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Time.Format(time.RFC3339))
}

// ParseDate tries every accepted layout. Layouts without a zone are read as
// UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// Flag accepts true, 1, "1", "sim", "pago", "liquidado" and their negatives.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	raw, isNull, err := scalar(b)
	if err != nil || isNull {
		*f = false
		return err
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "sim", "s", "pago", "paga", "liquidado", "quitado", "confirmado":
		*f = true
	default:
		*f = false
	}
	return nil
}

// scalar returns the text of a JSON string, number or boolean.
func scalar(b []byte) (string, bool, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", true, nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", false, err
		}
		return strings.TrimSpace(s), false, nil
	}
	if b[0] == '{' || b[0] == '[' {
		return "", false, fmt.Errorf("expected scalar, got %s", string(b[:1]))
	}
	s := string(b)
	if s != "true" && s != "false" {
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", false, fmt.Errorf("invalid number %s", s)
		}
	}
	return s, false, nil
}
