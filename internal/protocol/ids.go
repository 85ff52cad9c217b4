package protocol

import "github.com/google/uuid"

// ActivationID derives the stable activation id from its name. Both
// ends compute it independently, so names never need an id exchange.
func ActivationID(name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("voicemesh.activation."+name))
}

// SourceLineID derives the stable source line id from its name.
func SourceLineID(name string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte("voicemesh.line."+name))
}
