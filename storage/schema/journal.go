package schema

import "fmt"

// Journal key layout
//
//	op:<id>             JSON entry
//	h:<userOpHash>      id of the entry that submitted the hash
//	s:<status>:<id>     status index, empty value
const (
	OperationPrefix = "op:"
	HashPrefix      = "h:"
	StatusPrefix    = "s:"
)

// StatusToStorageKey converts an operation status to its index key prefix
// p: pending - submitted, receipt not seen yet
// s: success - mined and executed
// r: reverted - mined but the account call reverted
// f: failed - never reached the chain, or the receipt could not be obtained
func StatusToStorageKey(status string) string {
	switch status {
	case "success":
		return "s"
	case "reverted":
		return "r"
	case "failed":
		return "f"
	default:
		return "p"
	}
}

func OperationKey(id string) []byte {
	return []byte(OperationPrefix + id)
}

func HashKey(hash string) []byte {
	return []byte(HashPrefix + hash)
}

func StatusKey(status, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", StatusPrefix, StatusToStorageKey(status), id))
}

func StatusPrefixKey(status string) []byte {
	return []byte(fmt.Sprintf("%s%s:", StatusPrefix, StatusToStorageKey(status)))
}
