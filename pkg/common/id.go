package common

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// GenerateObjectId returns a 12-byte hex identifier with a 4-byte encoded
// timestamp prefix, so ids sort roughly by creation time and stay unique
// across controller restarts.
func GenerateObjectId() (string, error) {
	var objectId [12]byte

	// 4-byte timestamp
	binary.BigEndian.PutUint32(objectId[:4], uint32(time.Now().Unix()))

	// 3-byte machine identifier (simplified here as random bytes)
	if _, err := rand.Read(objectId[4:7]); err != nil {
		return "", err
	}

	// 2-byte process id
	binary.BigEndian.PutUint16(objectId[7:9], uint16(os.Getpid()))

	// 3-byte counter (simplified here as random bytes)
	if _, err := rand.Read(objectId[9:]); err != nil {
		return "", err
	}

	return fmt.Sprintf("%x", objectId), nil
}
