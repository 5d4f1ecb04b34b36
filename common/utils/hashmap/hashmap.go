package hashmap

// HashMap is the common contract of the concurrent map backends below.
type HashMap[K any, V any] interface {
	Delete(K)
	Load(K) (val V, loaded bool)
	LoadAndDelete(K) (val V, exists bool)
	LoadOrStore(K, V) (val V, loaded bool)

	// Range iterates over the map's key/value pairs; if the callback function returns false, iteration stops.
	Range(func(K, V) (contd bool))

	Store(K, V)
	Len() int
}
