package object

import (
	"fmt"

	"github.com/grafana/objfile/pkg/objerr"
)

type namedEnum interface {
	~uint8
	String() string
}

// parseName finds the value in [0, last] whose String is s.
func parseName[T namedEnum](what, s string, last T) (T, error) {
	for v := T(0); ; v++ {
		if v.String() == s {
			return v, nil
		}
		if v == last {
			break
		}
	}
	return 0, objerr.New(objerr.InvalidHeader, "unknown %s %q", what, s)
}

func (k SectionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SectionKind) UnmarshalText(b []byte) (err error) {
	*k, err = parseName("section kind", string(b), SectionMetadata)
	return err
}

func (k SymbolKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SymbolKind) UnmarshalText(b []byte) (err error) {
	*k, err = parseName("symbol kind", string(b), SymTLS)
	return err
}

func (s SymbolScope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SymbolScope) UnmarshalText(b []byte) (err error) {
	*s, err = parseName("symbol scope", string(b), ScopeDynamic)
	return err
}

func (k RelocationKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *RelocationKind) UnmarshalText(b []byte) (err error) {
	*k, err = parseName("relocation kind", string(b), RelocSectionIndex)
	return err
}

func (e RelocationEncoding) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *RelocationEncoding) UnmarshalText(b []byte) (err error) {
	*e, err = parseName("relocation encoding", string(b), EncodingX86Branch)
	return err
}

func (a Architecture) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Architecture) UnmarshalText(b []byte) error {
	v, ok := ParseArchitecture(string(b))
	if !ok {
		return fmt.Errorf("unknown architecture %q", b)
	}
	*a = v
	return nil
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (p Placement) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Placement) UnmarshalText(b []byte) (err error) {
	*p, err = parseName("placement", string(b), PlacementSection)
	return err
}
