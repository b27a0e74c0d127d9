package models

// DocumentMessage sends a rendered document by link.
type DocumentMessage struct {
	Reference   string
	To          string
	Text        string
	DocumentURL string
	FileName    string
}

// TextMessage is a plain text message.
type TextMessage struct {
	Reference string
	To        string
	Text      string
}

// SendResult identifies an accepted message.
type SendResult struct {
	MessageID string
}
