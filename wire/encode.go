package wire

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize a pointer to a value into its deterministic encoding.
func Serialize(v interface{}) ([]byte, error) {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("wire: expected a pointer, got %s", val.Kind())
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, val.Elem()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) error {
	if _, err := buf.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := buf.WriteByte(bytesLengthSep); err != nil {
		return err
	}
	_, err := buf.Write(b)
	return err
}

func writeUint(buf *bytes.Buffer, n uint64) error {
	if err := buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := buf.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return buf.WriteByte(valueEnd)
}

func writeInt(buf *bytes.Buffer, n int64) error {
	if err := buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := buf.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return buf.WriteByte(valueEnd)
}

func writeValue(buf *bytes.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return writeUint(buf, 1)
		}
		return writeUint(buf, 0)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return writeUint(buf, v.Uint())
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return writeInt(buf, v.Int())
	case reflect.String:
		return writeBytes(buf, []byte(v.String()))
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("wire: unsupported array element %s", v.Type().Elem().Kind())
		}
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		return writeBytes(buf, b)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return writeBytes(buf, v.Bytes())
		}
		if err := buf.WriteByte(listStart); err != nil {
			return err
		}
		for i := 0; i != v.Len(); i++ {
			if err := writeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		return buf.WriteByte(valueEnd)
	case reflect.Struct:
		return writeStruct(buf, v)
	case reflect.Pointer:
		if v.IsNil() {
			return fmt.Errorf("wire: cannot encode a nil pointer")
		}
		return writeValue(buf, v.Elem())
	default:
		return fmt.Errorf("wire: unsupported kind %s", v.Kind())
	}
}

func writeStruct(buf *bytes.Buffer, v reflect.Value) error {
	if err := buf.WriteByte(dictStart); err != nil {
		return err
	}

	ty := v.Type()
	tags := make([]string, 0, ty.NumField())
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
		if _, ok := fields[t]; ok {
			return fmt.Errorf("wire: duplicate wire tag %q on %s", t, ty.Name())
		}
		tags = append(tags, t)
		fields[t] = i
	}
	sort.Strings(tags)
	for _, t := range tags {
		if err := writeBytes(buf, []byte(t)); err != nil {
			return err
		}
		if err := writeValue(buf, v.Field(fields[t])); err != nil {
			return err
		}
	}
	return buf.WriteByte(valueEnd)
}
