package tracer

import "errors"

// ErrNotWordMultiple is returned by ReadMemory and WriteMemory when the
// requested length is not a multiple of the native word size. Callers
// are responsible for padding; failing fast here beats silently
// touching adjacent memory.
var ErrNotWordMultiple = errors.New("tracer: length is not a multiple of the word size")

// ReadMemory copies len(buf) bytes from the target's memory at addr
// into buf, one native word at a time.
func (t *Tracer) ReadMemory(pid int, buf []byte, addr uint64) error {
	if len(buf)%WordSize != 0 {
		return ErrNotWordMultiple
	}
	for i := 0; i < len(buf); i += WordSize {
		word, err := t.PeekWord(pid, addr+uint64(i))
		if err != nil {
			return err
		}
		wordEndian.PutUint64(buf[i:i+WordSize], word)
	}
	return nil
}

// WriteMemory copies buf into the target's memory at addr, one native
// word at a time.
func (t *Tracer) WriteMemory(pid int, addr uint64, buf []byte) error {
	if len(buf)%WordSize != 0 {
		return ErrNotWordMultiple
	}
	for i := 0; i < len(buf); i += WordSize {
		if err := t.PokeWord(pid, addr+uint64(i), wordEndian.Uint64(buf[i:i+WordSize])); err != nil {
			return err
		}
	}
	return nil
}
