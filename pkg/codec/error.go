package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/parxlib/parx/pkg/utils"
)

type remoteFailure struct {
	Message string
	Kind    string
}

// Encode the description of a failure raised by a callable, for transport
// in an error task response. Encoding plain strings cannot fail.
func EncodeError(err error, kind string) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(remoteFailure{
		Message: err.Error(),
		Kind:    kind,
	})
	return buf.Bytes()
}

// Decode a failure description from an error task response.
func DecodeError(data []byte) error {
	var failure remoteFailure
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&failure); err != nil {
		return fmt.Errorf("%w: undecodable remote error: %v", utils.ErrSerialization, err)
	}
	return &utils.RemoteError{Message: failure.Message, Kind: failure.Kind}
}
