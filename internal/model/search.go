package model

// Chat is one conversation the indexer can work on.
type Chat struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type ChatList struct {
	Chats []Chat `json:"chats"`
}

// SearchResult is a single message matched by a search query.
type SearchResult struct {
	ID     int64  `json:"id"`
	ChatID int64  `json:"chat_id"`
	Date   string `json:"date"`
	Text   string `json:"text"`
	Link   string `json:"link"`
}

type SearchResponse struct {
	Count     int            `json:"count"`
	ElapsedMS float64        `json:"elapsed_ms"`
	Results   []SearchResult `json:"results"`
}
