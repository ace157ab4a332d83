package server

// Client abstracts a message-oriented API connection so the request loop
// can be exercised without a real socket.
type Client interface {
	// ReadMessage blocks until a non-empty message is received.
	ReadMessage() ([]byte, error)

	// WriteJSON sends v as one JSON text message.
	WriteJSON(v any) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the client's address for logging.
	RemoteAddr() string
}
