package vogo

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Morg42/viessmann/pkg/optolink"
)

//go:embed catalog/default.yaml
var defaultCatalog []byte

// LoadDefault parses the catalog shipped with the package
func LoadDefault() (*Catalog, error) {
	return Load(bytes.NewReader(defaultCatalog))
}

// LoadFile parses the catalog file at path. An empty path loads the default catalog.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return LoadDefault()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	return c, nil
}

// Load parses a YAML catalog. Protocols without a control set in the file get the defaults.
func Load(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	if c.Protocols == nil {
		c.Protocols = make(map[optolink.Protocol]*optolink.ControlSet)
	}
	for p, cs := range optolink.DefaultControlSets() {
		if _, ok := c.Protocols[p]; !ok {
			c.Protocols[p] = cs
		}
	}
	// empty entries stay nil, Catalog.Device reports them
	for p, cs := range c.Protocols {
		if cs != nil {
			cs.Protocol = p
		}
	}
	for _, units := range c.Units {
		for code, u := range units {
			if u != nil {
				u.Code = code
			}
		}
	}
	n := 0
	for _, d := range c.Devices {
		if d == nil {
			continue
		}
		for name, cmd := range d.Commands {
			if cmd != nil {
				cmd.Name = name
				n++
			}
		}
	}
	log.Debugf("Loaded catalog with %v devices, %v commands", len(c.Devices), n)
	return &c, nil
}
