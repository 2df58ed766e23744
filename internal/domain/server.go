package domain

// ServerRecord is what the proxy knows about one chat server.
type ServerRecord struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	LoadHint int    `json:"load_hint"`
}
