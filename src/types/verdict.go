package types

import (
	"fmt"
	"strings"
)

type Verdict uint8

const (
	VerdictAllow Verdict = iota
	VerdictDrop
)

func ParseVerdict(str string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "allow", "accept", "pass":
		return VerdictAllow, nil
	case "drop", "block", "deny":
		return VerdictDrop, nil
	}

	return VerdictAllow, fmt.Errorf("invalid verdict: %q", str)
}

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDrop:
		return "drop"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(text []byte) error {
	verdict, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}

	*v = verdict

	return nil
}
