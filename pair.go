package lyra

// KeyValuePair is a tuple, used by the caches and the tx coordinator to carry a key with its value.
type KeyValuePair[TK any, TV any] struct {
	// Key is the key part in the pair.
	Key TK
	// Value is the value part in the pair.
	Value TV
}
