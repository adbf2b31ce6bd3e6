// Package catalog loads the YAML packet catalog that names the node's CAN
// messages and describes their payload layout.
//
//	packets:
//	  - name: drive
//	    id: 0x201
//	    description: drive command
//	    data:
//	      - {name: accelerator, type: uint8}
//	      - {name: regen, type: uint8}
//	      - name: flags
//	        type: bitfield
//	        bits:
//	          - {name: direction}
//	          - {name: mode, bitnum: 2}
//
// A packet with repeat: N expands to N packets name__0..name__N-1 at
// id + i*offset (offset defaults to 1). Fields are packed little endian in
// declaration order.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-can-node/internal/can"
)

var (
	ErrInvalid   = errors.New("catalog: invalid packet")
	ErrDuplicate = errors.New("catalog: duplicate packet")
)

var typeLen = map[string]int{
	"uint8":    1,
	"int8":     1,
	"uint16":   2,
	"int16":    2,
	"uint32":   4,
	"int32":    4,
	"float":    4,
	"bool":     1,
	"bitfield": 1,
}

type Bit struct {
	Name   string         `yaml:"name"`
	Bitnum int            `yaml:"bitnum"`
	Values map[int]string `yaml:"values"`
}

type Field struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Bits []Bit  `yaml:"bits"`
}

type Packet struct {
	Name        string  `yaml:"name"`
	ID          uint32  `yaml:"id"`
	Description string  `yaml:"description"`
	Repeat      int     `yaml:"repeat"`
	Offset      int     `yaml:"offset"`
	Data        []Field `yaml:"data"`
}

// Len is the payload length in bytes.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.Data {
		n += typeLen[f.Type]
	}
	return n
}

func (p *Packet) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name (id 0x%X)", ErrInvalid, p.ID)
	}
	if p.ID > can.SFFMask {
		return fmt.Errorf("%w: %s: id 0x%X exceeds 11 bits", ErrInvalid, p.Name, p.ID)
	}
	for i := range p.Data {
		f := &p.Data[i]
		if _, ok := typeLen[f.Type]; !ok {
			return fmt.Errorf("%w: %s.%s: unknown type %q", ErrInvalid, p.Name, f.Name, f.Type)
		}
		if f.Type != "bitfield" {
			continue
		}
		bits := 0
		for j := range f.Bits {
			b := &f.Bits[j]
			if b.Bitnum == 0 {
				b.Bitnum = 1
			}
			if b.Bitnum < 0 || b.Bitnum > 8 {
				return fmt.Errorf("%w: %s.%s_%s: bitnum %d outside 1..8", ErrInvalid, p.Name, f.Name, b.Name, b.Bitnum)
			}
			bits += b.Bitnum
		}
		if bits > 8 {
			return fmt.Errorf("%w: %s.%s: %d bits in one byte", ErrInvalid, p.Name, f.Name, bits)
		}
	}
	if n := p.Len(); n > can.MaxLen {
		return fmt.Errorf("%w: %s: payload %d bytes > 8", ErrInvalid, p.Name, n)
	}
	return nil
}

func (p Packet) expand() []*Packet {
	if p.Repeat <= 0 {
		return []*Packet{&p}
	}
	off := p.Offset
	if off == 0 {
		off = 1
	}
	out := make([]*Packet, 0, p.Repeat)
	for i := 0; i < p.Repeat; i++ {
		q := p
		q.Name = fmt.Sprintf("%s__%d", p.Name, i)
		q.ID = p.ID + uint32(i*off)
		q.Repeat, q.Offset = 0, 0
		out = append(out, &q)
	}
	return out
}

// Catalog indexes packets by identifier and by name.
type Catalog struct {
	byID   map[uint32]*Packet
	byName map[string]*Packet
}

func newCatalog() *Catalog {
	return &Catalog{byID: map[uint32]*Packet{}, byName: map[string]*Packet{}}
}

// Parse reads one YAML document with a top-level packets list.
func Parse(data []byte) (*Catalog, error) {
	c := newCatalog()
	if err := c.add(data, "<input>"); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads catalog files. A directory contributes every *.yaml and
// *.yml file in it.
func Load(paths ...string) (*Catalog, error) {
	c := newCatalog()
	for _, p := range paths {
		files, err := expandPath(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, fmt.Errorf("catalog: %w", err)
			}
			if err := c.add(data, f); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func expandPath(p string) ([]string, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if !st.IsDir() {
		return []string{p}, nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	var out []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			out = append(out, filepath.Join(p, e.Name()))
		}
	}
	return out, nil
}

func (c *Catalog) add(data []byte, src string) error {
	var doc struct {
		Packets []Packet `yaml:"packets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("catalog %s: %w", src, err)
	}
	for _, raw := range doc.Packets {
		for _, p := range raw.expand() {
			if err := p.validate(); err != nil {
				return fmt.Errorf("catalog %s: %w", src, err)
			}
			if old, ok := c.byID[p.ID]; ok {
				return fmt.Errorf("%w: id 0x%03X used by %s and %s", ErrDuplicate, p.ID, old.Name, p.Name)
			}
			if _, ok := c.byName[p.Name]; ok {
				return fmt.Errorf("%w: name %s", ErrDuplicate, p.Name)
			}
			c.byID[p.ID] = p
			c.byName[p.Name] = p
		}
	}
	return nil
}

func (c *Catalog) Lookup(id uint32) (*Packet, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := c.byID[id]
	return p, ok
}

func (c *Catalog) ByName(name string) (*Packet, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := c.byName[name]
	return p, ok
}

// Packets returns all packets ordered by identifier.
func (c *Catalog) Packets() []*Packet {
	if c == nil {
		return nil
	}
	out := make([]*Packet, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
