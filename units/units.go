/*Package units provides measurements tagged with a base unit and a decimal
exponent, and a registry of conversions between base units.

A Measurement is a (quantity, exponent, unit) triple; 20 mV is
{Quantity: 20, Exponent: -3, Unit: "V"}.  Two measurements are equal when
their base-unit values and unit strings agree, regardless of how the
exponent splits the value.  Conversions between different base units
(e.g. V -> A through an amplifier gain) are registered on a Registry;
DefaultRegistry is the process-wide backing store used when no explicit
registry is threaded through.
*/
package units

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MinExponent is the smallest decimal exponent a Measurement may carry (yocto)
	MinExponent = -24

	// MaxExponent is the largest decimal exponent a Measurement may carry (yotta)
	MaxExponent = 24
)

var (
	// ErrUnknownConversion is generated when no conversion is registered
	// between two base units
	ErrUnknownConversion = errors.New("no conversion registered between base units")

	// ErrEmptyUnit is generated when a Measurement is built with an empty base unit
	ErrEmptyUnit = errors.New("base unit may not be empty")

	// ErrUnknownPrefix is generated when a display unit carries an
	// unrecognized SI prefix
	ErrUnknownPrefix = errors.New("unrecognized SI prefix")

	// prefixes maps SI prefix strings to decimal exponents.  The table is
	// fixed; there is no registration mechanism for prefixes.
	prefixes = map[string]int{
		"y":  -24,
		"z":  -21,
		"a":  -18,
		"f":  -15,
		"p":  -12,
		"n":  -9,
		"u":  -6,
		"µ":  -6,
		"m":  -3,
		"c":  -2,
		"d":  -1,
		"":   0,
		"da": 1,
		"h":  2,
		"k":  3,
		"M":  6,
		"G":  9,
		"T":  12,
		"P":  15,
		"E":  18,
		"Z":  21,
		"Y":  24,
	}

	// exponentPrefixes is the reverse of prefixes for the canonical spellings
	exponentPrefixes = map[int]string{
		-24: "y",
		-21: "z",
		-18: "a",
		-15: "f",
		-12: "p",
		-9:  "n",
		-6:  "u",
		-3:  "m",
		-2:  "c",
		-1:  "d",
		0:   "",
		1:   "da",
		2:   "h",
		3:   "k",
		6:   "M",
		9:   "G",
		12:  "T",
		15:  "P",
		18:  "E",
		21:  "Z",
		24:  "Y",
	}
)

// IncompatibilityError is generated when an operation requires homogeneous
// units and receives mismatched ones
type IncompatibilityError struct {
	// Op is the operation that failed, e.g. "concat"
	Op string

	// Want is the unit the operation required
	Want string

	// Got is the unit it received
	Got string
}

func (e IncompatibilityError) Error() string {
	return fmt.Sprintf("%s: incompatible units, want %q got %q", e.Op, e.Want, e.Got)
}

// Measurement is a numeric quantity tagged with a base unit and a decimal
// exponent.  The represented value is Quantity * 10^Exponent in Unit.
type Measurement struct {
	// Quantity is the numeric value before the exponent is applied
	Quantity float64 `json:"quantity" yaml:"quantity"`

	// Exponent is the decimal exponent, in [-24, 24]
	Exponent int `json:"exponent" yaml:"exponent"`

	// Unit is the base unit, e.g. "V", "A", "Hz"
	Unit string `json:"unit" yaml:"unit"`
}

// MustNew builds a Measurement and panics on an invalid one.  It is meant
// for package-level declarations of well-known constants.
func MustNew(quantity float64, exponent int, unit string) Measurement {
	m, err := New(quantity, exponent, unit)
	if err != nil {
		panic(err)
	}
	return m
}

// New builds a Measurement, enforcing a non-empty unit and an exponent
// within [MinExponent, MaxExponent]
func New(quantity float64, exponent int, unit string) (Measurement, error) {
	if unit == "" {
		return Measurement{}, ErrEmptyUnit
	}
	if exponent < MinExponent || exponent > MaxExponent {
		return Measurement{}, fmt.Errorf("exponent %d outside [%d, %d]", exponent, MinExponent, MaxExponent)
	}
	return Measurement{Quantity: quantity, Exponent: exponent, Unit: unit}, nil
}

// BaseUnitValue returns the value of m expressed in its base unit,
// Quantity * 10^Exponent
func (m Measurement) BaseUnitValue() float64 {
	return m.Quantity * math.Pow10(m.Exponent)
}

// DisplayUnit returns the prefixed unit string, e.g. "mV" for exponent -3
// on unit "V".  Exponents with no canonical prefix fall back to scientific
// notation on the unit, e.g. "10^4 V".
func (m Measurement) DisplayUnit() string {
	if p, ok := exponentPrefixes[m.Exponent]; ok {
		return p + m.Unit
	}
	return fmt.Sprintf("10^%d %s", m.Exponent, m.Unit)
}

// Equal compares base-unit values and unit strings; 1000 mV equals 1 V,
// while 1 V never equals 1 A
func (m Measurement) Equal(other Measurement) bool {
	return m.Unit == other.Unit && m.BaseUnitValue() == other.BaseUnitValue()
}

// WithExponent rescales m to the given exponent without changing the
// represented value
func (m Measurement) WithExponent(exponent int) Measurement {
	return Measurement{
		Quantity: m.BaseUnitValue() / math.Pow10(exponent),
		Exponent: exponent,
		Unit:     m.Unit,
	}
}

func (m Measurement) String() string {
	return fmt.Sprintf("%g %s", m.Quantity, m.DisplayUnit())
}

// SplitDisplayUnit separates a display unit such as "mV" into its prefix
// exponent and base unit.  The longest matching prefix wins, except that a
// single-character string is returned as-is; this keeps "m" (meters)
// distinct from a bare milli prefix.  Longer strings are split on any
// leading prefix letter, so a multi-letter base unit such as "Pa" reads as
// prefix "P" and base "a".
func SplitDisplayUnit(display string) (exponent int, base string, err error) {
	if display == "" {
		return 0, "", ErrEmptyUnit
	}
	if len(display) == 1 {
		return 0, display, nil
	}
	// try the two-rune prefix first so "da" beats "d"
	for _, n := range []int{2, 1} {
		if len(display) > n {
			if exp, ok := prefixes[display[:n]]; ok {
				return exp, display[n:], nil
			}
		}
	}
	return 0, display, nil
}

// ConversionFunc converts a measurement in one base unit to another
type ConversionFunc func(Measurement) Measurement

type conversionKey struct {
	from, to string
}

// Registry is a mapping of (from, to) base-unit pairs to conversion
// functions.  Registration should complete before any pipeline starts; the
// zero Registry is not usable, call NewRegistry.
type Registry struct {
	conversions map[conversionKey]ConversionFunc
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{conversions: make(map[conversionKey]ConversionFunc)}
}

// Register adds a conversion between two base units, replacing any
// previous entry for the pair
func (r *Registry) Register(from, to string, fn ConversionFunc) {
	r.conversions[conversionKey{from, to}] = fn
}

// Convert expresses m in the target display unit.  If the target's base
// unit matches m's, the measurement is rescaled to the target exponent;
// otherwise the registered conversion for the base-unit pair is applied
// and the result rescaled.
func (r *Registry) Convert(m Measurement, targetDisplay string) (Measurement, error) {
	exp, base, err := SplitDisplayUnit(targetDisplay)
	if err != nil {
		return Measurement{}, err
	}
	if m.Unit == base {
		return m.WithExponent(exp), nil
	}
	fn, ok := r.conversions[conversionKey{m.Unit, base}]
	if !ok {
		return Measurement{}, fmt.Errorf("%w: %q -> %q", ErrUnknownConversion, m.Unit, base)
	}
	return fn(m).WithExponent(exp), nil
}

// DefaultRegistry is the process-wide registry used when no explicit one
// is threaded through the pipeline
var DefaultRegistry = NewRegistry()

// Convert applies DefaultRegistry.Convert
func Convert(m Measurement, targetDisplay string) (Measurement, error) {
	return DefaultRegistry.Convert(m, targetDisplay)
}

// Register applies DefaultRegistry.Register
func Register(from, to string, fn ConversionFunc) {
	DefaultRegistry.Register(from, to, fn)
}
