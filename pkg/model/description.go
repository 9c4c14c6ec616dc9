package model

import (
	"fmt"
	"io/ioutil"

	"sigs.k8s.io/yaml"
)

// Description is the host-side model description compiled into an image.
// The first input is the model input and carries the samples.
type Description struct {
	Name   string       `json:"name"`
	Inputs []TensorDesc `json:"inputs"`
	Nodes  []NodeDesc   `json:"nodes"`
}

// TensorDesc describes a static tensor.
type TensorDesc struct {
	Name       string    `json:"name"`
	Dims       []int     `json:"dims"`
	Bitwidth   int       `json:"bitwidth,omitempty"`
	Data       []int64   `json:"data,omitempty"`
	Samples    [][]int64 `json:"samples,omitempty"`
	TileC      int       `json:"tileC,omitempty"`
	Transposed bool      `json:"transposed,omitempty"`
	Scale      int       `json:"scale,omitempty"`
}

// NodeDesc describes a node.
type NodeDesc struct {
	Name    string   `json:"name"`
	Op      string   `json:"op"`
	Inputs  []string `json:"inputs"`
	Kernel  int      `json:"kernel,omitempty"`
	Stride  int      `json:"stride,omitempty"`
	Generic uint8    `json:"generic,omitempty"`
}

// ParseDescription parses a YAML (or JSON) description.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDescription reads a description file.
func LoadDescription(fn string) (*Description, error) {
	data, err := ioutil.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	d, err := ParseDescription(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fn, err)
	}
	return d, nil
}

// Marshal renders the description as YAML.
func (d *Description) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

func (t *TensorDesc) bitwidth() int {
	if t.Bitwidth == 0 {
		return 16
	}
	return t.Bitwidth
}

func (t *TensorDesc) count() int {
	if len(t.Dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Validate checks references and tensor sizes.
func (d *Description) Validate() error {
	if len(d.Inputs) == 0 || len(d.Inputs[0].Samples) == 0 {
		return fmt.Errorf("model %q: first input must carry samples", d.Name)
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("model %q: no nodes", d.Name)
	}
	names := make(map[string]bool)
	for n, in := range d.Inputs {
		if names[in.Name] {
			return fmt.Errorf("duplicated name %q", in.Name)
		}
		names[in.Name] = true
		if len(in.Dims) == 0 || len(in.Dims) > 4 {
			return fmt.Errorf("input %q: %d dims", in.Name, len(in.Dims))
		}
		for _, e := range in.Dims {
			if e <= 0 || e > 0xffff {
				return fmt.Errorf("input %q: invalid extent %d", in.Name, e)
			}
		}
		switch in.bitwidth() {
		case 16, 32, 64:
		default:
			return fmt.Errorf("input %q: bitwidth %d", in.Name, in.Bitwidth)
		}
		if n > 0 && len(in.Samples) > 0 {
			return fmt.Errorf("input %q: only the first input carries samples", in.Name)
		}
		if n > 0 && len(in.Data) != in.count() {
			return fmt.Errorf("input %q: %d values for %d elements", in.Name, len(in.Data), in.count())
		}
		for k, s := range in.Samples {
			if len(s) != in.count() {
				return fmt.Errorf("input %q sample %d: %d values for %d elements", in.Name, k, len(s), in.count())
			}
		}
	}
	for _, node := range d.Nodes {
		if names[node.Name] {
			return fmt.Errorf("duplicated name %q", node.Name)
		}
		if _, err := ParseOpType(node.Op); err != nil {
			return fmt.Errorf("node %q: %w", node.Name, err)
		}
		for _, in := range node.Inputs {
			if !names[in] {
				return fmt.Errorf("node %q: unknown input %q", node.Name, in)
			}
		}
		names[node.Name] = true
	}
	return nil
}
