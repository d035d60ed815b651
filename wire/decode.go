package wire

import (
	"fmt"
	"reflect"
	"strconv"
)

// Deserialize bytes produced by Serialize into a pointer to a value of the
// same shape.
func Deserialize(b []byte, v interface{}) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr {
		return fmt.Errorf("wire: expected a pointer, got %s", val.Kind())
	}
	r := &reader{buf: b}
	if err := r.readValue(val.Elem()); err != nil {
		return err
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("wire: %d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) peek() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("wire: unexpected end of input")
	}
	return r.buf[r.pos], nil
}

func (r *reader) expect(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return fmt.Errorf("wire: expected %q at offset %d, got %q", b, r.pos, c)
	}
	r.pos++
	return nil
}

func (r *reader) readNumber() (string, error) {
	if err := r.expect(numberStart); err != nil {
		return "", err
	}
	start := r.pos
	for {
		c, err := r.peek()
		if err != nil {
			return "", err
		}
		if c == valueEnd {
			break
		}
		r.pos++
	}
	s := string(r.buf[start:r.pos])
	r.pos++
	if s == "" {
		return "", fmt.Errorf("wire: empty number at offset %d", start)
	}
	return s, nil
}

func (r *reader) readUint() (uint64, error) {
	s, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func (r *reader) readInt() (int64, error) {
	s, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func (r *reader) readBytes() ([]byte, error) {
	start := r.pos
	for {
		c, err := r.peek()
		if err != nil {
			return nil, err
		}
		if c == bytesLengthSep {
			break
		}
		r.pos++
	}
	n, err := strconv.Atoi(string(r.buf[start:r.pos]))
	if err != nil {
		return nil, fmt.Errorf("wire: bad length at offset %d: %w", start, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("wire: negative length at offset %d", start)
	}
	r.pos++
	if n > len(r.buf)-r.pos {
		return nil, fmt.Errorf("wire: truncated byte string at offset %d", r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		n, err := r.readUint()
		if err != nil {
			return err
		}
		v.SetBool(n != 0)
		return nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := r.readUint()
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := r.readInt()
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
		return nil
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("wire: unsupported array element %s", v.Type().Elem().Kind())
		}
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		if len(b) != v.Len() {
			return fmt.Errorf("wire: expected %d bytes, got %d", v.Len(), len(b))
		}
		reflect.Copy(v, reflect.ValueOf(b))
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			out := make([]byte, len(b))
			copy(out, b)
			v.SetBytes(out)
			return nil
		}
		if err := r.expect(listStart); err != nil {
			return err
		}
		out := reflect.MakeSlice(v.Type(), 0, 0)
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == valueEnd {
				r.pos++
				break
			}
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		v.Set(out)
		return nil
	case reflect.Struct:
		return r.readStruct(v)
	case reflect.Pointer:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return r.readValue(v.Elem())
	default:
		return fmt.Errorf("wire: unsupported kind %s", v.Kind())
	}
}

func (r *reader) readStruct(v reflect.Value) error {
	if err := r.expect(dictStart); err != nil {
		return err
	}
	ty := v.Type()
	fields := make(map[string]int, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		t := f.Tag.Get("wire")
		if t == "" {
			return fmt.Errorf("wire: missing wire tag on %s.%s", ty.Name(), f.Name)
		}
		fields[t] = i
	}
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == valueEnd {
			r.pos++
			return nil
		}
		tag, err := r.readBytes()
		if err != nil {
			return err
		}
		idx, ok := fields[string(tag)]
		if !ok {
			return fmt.Errorf("wire: unknown field %q in %s", tag, ty.Name())
		}
		if err := r.readValue(v.Field(idx)); err != nil {
			return err
		}
	}
}
