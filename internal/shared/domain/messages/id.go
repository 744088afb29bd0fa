package messages

import "github.com/google/uuid"

// namespace for unique-id derivation. Changing it would orphan every
// persisted failed message, so it is fixed forever.
var uniqueIDNamespace = uuid.MustParse("8f3f2b9e-56b1-44c6-a2c0-7a4d9c3b5e21")

// UniqueID derives the stable identifier for a failed message from the
// transport message id and the receiving endpoint name. Repeated failures of
// the same logical message at the same endpoint always map to the same id.
func UniqueID(messageID, endpoint string) string {
	return uuid.NewSHA1(uniqueIDNamespace, []byte(messageID+"\x00"+endpoint)).String()
}

// GroupID derives the failure-group classifier for a message: failures at
// the same endpoint with the same exception type fall into the same group,
// so operators can act on them in bulk.
func GroupID(endpoint, exceptionType string) string {
	return uuid.NewSHA1(uniqueIDNamespace, []byte("group\x00"+endpoint+"\x00"+exceptionType)).String()
}
