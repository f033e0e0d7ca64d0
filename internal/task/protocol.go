// internal/task/protocol.go
package task

import "fmt"

// Protocol is the operation set one source registers.
type Protocol struct {
	reads  []*Read
	writes []*Write
}

// NewProtocol groups read and write tasks. Wait tasks are not registrable.
func NewProtocol(tasks ...Task) (*Protocol, error) {
	p := &Protocol{}
	for _, t := range tasks {
		switch t := t.(type) {
		case *Read:
			p.reads = append(p.reads, t)
		case *Write:
			p.writes = append(p.writes, t)
		default:
			return nil, fmt.Errorf("task: %s cannot be part of a protocol", t)
		}
	}
	return p, nil
}

func (p *Protocol) Reads() []*Read   { return p.reads }
func (p *Protocol) Writes() []*Write { return p.writes }

// Devices returns the distinct device identities in registration order.
func (p *Protocol) Devices() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(d string) {
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, r := range p.reads {
		add(r.Device())
	}
	for _, w := range p.writes {
		add(w.Device())
	}
	return out
}
