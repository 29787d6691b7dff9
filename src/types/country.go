package types

import (
	"strings"
)

// CountryCode is an ISO 3166-1 alpha-2 code. The zero value means unknown.
type CountryCode [2]byte

var CountryUnknown = CountryCode{}

func ParseCountryCode(str string) (CountryCode, bool) {
	str = strings.ToUpper(strings.TrimSpace(str))
	if len(str) != 2 {
		return CountryUnknown, false
	}

	for i := range 2 {
		if str[i] < 'A' || str[i] > 'Z' {
			return CountryUnknown, false
		}
	}

	return CountryCode{str[0], str[1]}, true
}

func (c CountryCode) IsUnknown() bool {
	return c == CountryUnknown
}

func (c CountryCode) String() string {
	if c.IsUnknown() {
		return "unknown"
	}

	return string(c[:])
}

func (c CountryCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
