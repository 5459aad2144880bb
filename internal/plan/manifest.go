package plan

import (
	"encoding/hex"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Site is one hook site of a manifest. It is located either by symbol in
// an image, or by address with the code given inline as hex.
type Site struct {
	Name    string `yaml:"name"`
	Image   string `yaml:"image"`
	Symbol  string `yaml:"symbol"`
	Address uint64 `yaml:"address"`
	Bytes   string `yaml:"bytes"`
}

// Manifest lists the hooks to plan.
type Manifest struct {
	// Callback is the address planned trampolines call; it only affects
	// the encoded CALL.
	Callback uint64 `yaml:"callback"`
	Sites    []Site `yaml:"sites"`
}

// DefaultCallback stands in for the callback when a manifest names none.
const DefaultCallback = 0x00402000

func ReadManifest(path string) (*Manifest, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(buf)
}

func ParseManifest(buf []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(buf, &m); err != nil {
		return nil, errors.Wrap(err, "manifest")
	}
	if m.Callback == 0 {
		m.Callback = DefaultCallback
	}
	for i := range m.Sites {
		if err := m.Sites[i].check(); err != nil {
			return nil, errors.Wrapf(err, "site %d", i)
		}
	}
	return &m, nil
}

func (s *Site) check() error {
	switch {
	case s.Bytes != "" && s.Image != "":
		return errors.New("give either image or bytes, not both")
	case s.Bytes != "":
		if s.Address == 0 {
			return errors.New("bytes need an address")
		}
		_, err := s.Code()
		return err
	case s.Image != "":
		if s.Symbol == "" && s.Address == 0 {
			return errors.New("image sites need a symbol or an address")
		}
		return nil
	}
	return errors.New("site has neither image nor bytes")
}

// Label names s in output.
func (s *Site) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Symbol != "":
		return s.Symbol
	}
	return ""
}

// Code decodes Bytes, which may contain blanks between bytes.
func (s *Site) Code() ([]byte, error) {
	return ParseHex(s.Bytes)
}

// ParseHex decodes hex digits, ignoring blanks and commas.
func ParseHex(text string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', ',':
			return -1
		}
		return r
	}, text)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, errors.Wrapf(err, "bytes %q", text)
	}
	return b, nil
}
