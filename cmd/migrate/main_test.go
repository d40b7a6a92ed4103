package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateChecksum(t *testing.T) {
	a := calculateChecksum([]byte("CREATE TABLE a (id INT);"))
	b := calculateChecksum([]byte("CREATE TABLE a (id INT); "))

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, calculateChecksum([]byte("CREATE TABLE a (id INT);")))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", calculateChecksum(nil))
}
