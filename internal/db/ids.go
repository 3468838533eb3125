package db

import "github.com/google/uuid"

var newUUID = uuid.NewString

func newID(prefix string) string {
	return prefix + "_" + newUUID()
}
