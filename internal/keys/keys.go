// Package keys builds and parses the composite keys shared by the storage
// backends. Every record is addressed by the (type, document, id) triple;
// backends differ only in how the triple is flattened into their native
// key space.
package keys

import (
	"fmt"
	"strings"
)

// sep separates key segments. Type names, document ids and record ids must
// not contain it; Validate rejects them before they reach a backend.
const sep = "\x00"

// Record returns the flat key for a record, used verbatim by the Badger
// backend and as the map key of the in-memory backend's deep index.
func Record(typeName, docID, id string) []byte {
	return []byte("rec" + sep + docID + sep + typeName + sep + id)
}

// DocPrefix returns the key prefix covering every record of a document.
func DocPrefix(docID string) []byte {
	return []byte("rec" + sep + docID + sep)
}

// DocTypePrefix returns the key prefix covering every record of one type
// within a document.
func DocTypePrefix(docID, typeName string) []byte {
	return []byte("rec" + sep + docID + sep + typeName + sep)
}

// ParseRecord splits a flat record key back into (typeName, docID, id).
func ParseRecord(key []byte) (typeName, docID, id string, err error) {
	parts := strings.Split(string(key), sep)
	if len(parts) != 4 || parts[0] != "rec" {
		return "", "", "", fmt.Errorf("malformed record key %q", key)
	}
	return parts[2], parts[1], parts[3], nil
}

// PartitionKey returns the DynamoDB partition key for a document. All
// records of a document share one partition so a single Query lists them.
func PartitionKey(docID string) string {
	return "doc#" + docID
}

// SortKey returns the DynamoDB sort key for a record within its document
// partition.
func SortKey(typeName, id string) string {
	return typeName + "#" + id
}

// TypeSortPrefix returns the sort key prefix selecting one record type
// within a document partition.
func TypeSortPrefix(typeName string) string {
	return typeName + "#"
}

// ParseSortKey splits a sort key into (typeName, id). Record ids may
// contain "#"; the type name may not.
func ParseSortKey(sk string) (typeName, id string, err error) {
	i := strings.Index(sk, "#")
	if i < 0 {
		return "", "", fmt.Errorf("malformed sort key %q", sk)
	}
	return sk[:i], sk[i+1:], nil
}

// Validate rejects key segments that would corrupt composite keys.
func Validate(typeName, docID, id string) error {
	for _, s := range []string{typeName, docID, id} {
		if strings.Contains(s, sep) {
			return fmt.Errorf("key segment %q contains reserved separator", s)
		}
	}
	if strings.Contains(typeName, "#") {
		return fmt.Errorf("type name %q contains reserved character '#'", typeName)
	}
	return nil
}
