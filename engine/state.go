package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/shaban/plughost/plugins"
)

const (
	stateMagic   = "PHST"
	stateVersion = uint16(1)
	maxStateItem = 1 << 24
)

// ErrBadState is returned by LoadState for blobs it cannot decode.
var ErrBadState = errors.New("invalid state blob")

type stateProp struct {
	key, typ string
	flags    uint32
	value    []byte
}

type stateValue struct {
	symbol string
	value  float32
}

// SaveState captures every control input value and the instance's opaque
// state. Render must be stopped.
//
// Layout, little endian: magic "PHST", version u16, property count u32,
// value count u32, then each property (key, type, flags u32, size u32,
// bytes) and each value (float bits u32, symbol). Strings are a u16 length
// followed by their bytes.
func (p *Plugin) SaveState() ([]byte, error) {
	var props []stateProp
	if p.state != nil {
		err := p.state.SaveState(func(key, typ string, flags uint32, value []byte) error {
			if len(value) > maxStateItem {
				return fmt.Errorf("state property %q too large: %d bytes", key, len(value))
			}
			props = append(props, stateProp{key: key, typ: typ, flags: flags, value: bytes.Clone(value)})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save plugin state: %w", err)
		}
	}
	values := make([]stateValue, 0, len(p.controlIns))
	for _, port := range p.controlIns {
		values = append(values, stateValue{symbol: p.desc.Ports[port].Symbol, value: p.ports[port]})
	}

	var buf bytes.Buffer
	buf.WriteString(stateMagic)
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, stateVersion)
	_ = binary.Write(&buf, le, uint32(len(props)))
	_ = binary.Write(&buf, le, uint32(len(values)))
	for _, pr := range props {
		if err := writeString(&buf, pr.key); err != nil {
			return nil, err
		}
		if err := writeString(&buf, pr.typ); err != nil {
			return nil, err
		}
		_ = binary.Write(&buf, le, pr.flags)
		_ = binary.Write(&buf, le, uint32(len(pr.value)))
		buf.Write(pr.value)
	}
	for _, v := range values {
		_ = binary.Write(&buf, le, math.Float32bits(v.value))
		if err := writeString(&buf, v.symbol); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// LoadState restores a blob produced by SaveState. Values for symbols the
// plugin does not have are skipped. When the plugin rejects its opaque
// state no port value changes. Render must be stopped; the surface is
// resynchronised on the next cycle.
func (p *Plugin) LoadState(blob []byte) error {
	props, values, err := decodeState(blob)
	if err != nil {
		return err
	}

	if p.state != nil {
		byKey := make(map[string]stateProp, len(props))
		for _, pr := range props {
			byKey[pr.key] = pr
		}
		err = p.state.RestoreState(func(key string) ([]byte, string, uint32, bool) {
			pr, ok := byKey[key]
			if !ok {
				return nil, "", 0, false
			}
			return pr.value, pr.typ, pr.flags, true
		})
		if err != nil {
			return fmt.Errorf("failed to restore plugin state: %w", err)
		}
	} else if len(props) > 0 {
		p.log.V(1).Info("Instance has no state handler, properties ignored", "count", len(props))
	}

	// port values go in only once the opaque state is accepted
	for _, v := range values {
		port, ok := p.desc.PortBySymbol(v.symbol)
		if !ok || port.Type != plugins.ControlIn {
			p.log.V(1).Info("Skipping state value for unknown port", "symbol", v.symbol)
			continue
		}
		p.ports[port.Index] = v.value
	}
	p.uiSync = true
	return nil
}

func decodeState(blob []byte) ([]stateProp, []stateValue, error) {
	r := bytes.NewReader(blob)
	magic := make([]byte, len(stateMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != stateMagic {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrBadState)
	}
	le := binary.LittleEndian
	var version uint16
	var nProps, nValues uint32
	if err := binary.Read(r, le, &version); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
	}
	if version != stateVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrBadState, version)
	}
	if err := binary.Read(r, le, &nProps); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
	}
	if err := binary.Read(r, le, &nValues); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
	}
	// every entry takes at least 4 bytes, so counts beyond that are corrupt
	if int64(nProps)+int64(nValues) > int64(r.Len())/4 {
		return nil, nil, fmt.Errorf("%w: counts exceed blob size", ErrBadState)
	}

	props := make([]stateProp, 0, nProps)
	for i := uint32(0); i < nProps; i++ {
		var pr stateProp
		var err error
		if pr.key, err = readString(r); err != nil {
			return nil, nil, err
		}
		if pr.typ, err = readString(r); err != nil {
			return nil, nil, err
		}
		var size uint32
		if err := binary.Read(r, le, &pr.flags); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
		}
		if err := binary.Read(r, le, &size); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
		}
		if int64(size) > int64(r.Len()) {
			return nil, nil, fmt.Errorf("%w: property %q truncated", ErrBadState, pr.key)
		}
		pr.value = make([]byte, size)
		if _, err := io.ReadFull(r, pr.value); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
		}
		props = append(props, pr)
	}

	values := make([]stateValue, 0, nValues)
	for i := uint32(0); i < nValues; i++ {
		var bits uint32
		if err := binary.Read(r, le, &bits); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrBadState, err)
		}
		sym, err := readString(r)
		if err != nil {
			return nil, nil, err
		}
		values = append(values, stateValue{symbol: sym, value: math.Float32frombits(bits)})
	}
	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrBadState, r.Len())
	}
	return props, values, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("state string too long: %d bytes", len(s))
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadState, err)
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("%w: string truncated", ErrBadState)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadState, err)
	}
	return string(b), nil
}
