package bioverse

import "bytes"

// Validator decides whether a fetched body is a usable structure file. It looks
// at content only; status codes and content types are not trusted.
type Validator interface {
	Valid(payload []byte) bool
}

// PDBValidator accepts payloads with at least one ATOM or HETATM record.
type PDBValidator struct{}

func (PDBValidator) Valid(payload []byte) bool {
	for len(payload) > 0 {
		line := payload
		if i := bytes.IndexByte(payload, '\n'); i >= 0 {
			line, payload = payload[:i], payload[i+1:]
		} else {
			payload = nil
		}
		if isCoordinateRecord(line) {
			return true
		}
	}
	return false
}

func isCoordinateRecord(line []byte) bool {
	if bytes.HasPrefix(line, []byte("HETATM")) {
		return true
	}
	if !bytes.HasPrefix(line, []byte("ATOM")) || len(line) < 5 {
		return false
	}
	// Serial numbers above 99999 run into the record name.
	c := line[4]
	return c == ' ' || (c >= '0' && c <= '9')
}
