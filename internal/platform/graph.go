package platform

import "comment-dm/internal/domain"

type sendMessageRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type sendMessageResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type paging struct {
	Next string `json:"next"`
}

type followerList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	Paging paging `json:"paging"`
}

func (l followerList) ids() []string {
	ids := make([]string, 0, len(l.Data))
	for _, f := range l.Data {
		if f.ID != "" {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

type followersResponse struct {
	ID        string       `json:"id"`
	Followers followerList `json:"followers"`
}

type graphPost struct {
	ID        string `json:"id"`
	Caption   string `json:"caption"`
	Permalink string `json:"permalink"`
	Timestamp string `json:"timestamp"`
}

type mediaResponse struct {
	Data   []graphPost `json:"data"`
	Paging paging      `json:"paging"`
}

type graphComment struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Username string `json:"username"`
	From     struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Timestamp string `json:"timestamp"`
}

func (gc graphComment) toComment(postRef string) domain.Comment {
	name := gc.From.Username
	if name == "" {
		name = gc.Username
	}
	return domain.Comment{
		ID:         gc.ID,
		Text:       gc.Text,
		AuthorID:   gc.From.ID,
		AuthorName: name,
		PostRef:    postRef,
	}
}

type commentsResponse struct {
	Data   []graphComment `json:"data"`
	Paging paging         `json:"paging"`
}
