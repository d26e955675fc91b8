package command

import (
	"fmt"
	"time"
)

// PutChunkDeflate writes compressed (a host-deflate-compressed, raw
// DEFLATE stream) into path at offset, decompressing it on the device
// with MicroPython's deflate module before the write. Used by the
// transfer pipeline when the device advertises deflate support and
// compression pays off for a given chunk (the 'z' wire tag).
func (c *Commands) PutChunkDeflate(path string, offset int64, compressed []byte, create bool, timeout time.Duration) error {
	timeout = c.timeout(timeout)
	mode := "r+b"
	if create {
		mode = "wb"
	}
	code := fmt.Sprintf(
		"import deflate as _d, io as _io\n"+
			"with open(%s,%s) as _f:\n"+
			" _f.seek(%d)\n"+
			" with _d.DeflateIO(_io.BytesIO(%s),_d.RAW) as _z:\n"+
			"  _f.write(_z.read())\n"+
			"print(repr(None))", pyStr(path), pyStr(mode), offset, pyBytes(compressed))
	_, err := c.Eval(code, timeout)
	return err
}

// GetChunkDeflate reads length bytes of path starting at offset and has the
// device deflate-compress them before sending; the caller inflates the
// result. Returns the compressed bytes as received.
func (c *Commands) GetChunkDeflate(path string, offset, length int64, timeout time.Duration) ([]byte, error) {
	timeout = c.timeout(timeout)
	code := fmt.Sprintf(
		"import deflate as _d, io as _io\n"+
			"with open(%s,'rb') as _f:\n"+
			" _f.seek(%d)\n"+
			" _raw=_f.read(%d)\n"+
			"_buf=_io.BytesIO()\n"+
			"with _d.DeflateIO(_buf,_d.RAW) as _z:\n"+
			" _z.write(_raw)\n"+
			"print(repr(_buf.getvalue()))", pyStr(path), offset, length)
	v, err := c.Eval(code, timeout)
	if err != nil {
		return nil, err
	}
	b, ok := v.AsBytes()
	if !ok {
		return nil, fmt.Errorf("command: get chunk (deflate): unexpected reply kind %v", v.Kind)
	}
	return b, nil
}
