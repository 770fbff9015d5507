package id

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new time-ordered int64 ID.
func New() int64 {
	return node.Generate().Int64()
}

// NewString returns New() prefixed, e.g. "vnd_1790071825520345088".
func NewString(prefix string) string {
	return prefix + strconv.FormatInt(New(), 10)
}
