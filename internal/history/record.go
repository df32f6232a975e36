package history

// ReplyTo is a preview of the message a record answers.
type ReplyTo struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// Record is one chat message in canonical form. The JSON layout matches the
// legacy dumps so they import unchanged.
type Record struct {
	ID          string     `json:"id"`
	Channel     string     `json:"channel"`
	Author      string     `json:"author"`
	Created     string     `json:"created"`
	Body        string     `json:"message"`
	ReplyTo     *ReplyTo   `json:"reply_to,omitempty"`
	Attachments []string   `json:"attachments,omitempty"`
	Embeds      []string   `json:"embeds,omitempty"`
	Reactions   []Reaction `json:"reactions"`
}

// Entry is a record with its position in the scope's sequence.
type Entry struct {
	Seq    int64
	Record Record
}

func (r Record) clone() Record {
	out := r
	if r.ReplyTo != nil {
		reply := *r.ReplyTo
		out.ReplyTo = &reply
	}
	out.Attachments = append([]string(nil), r.Attachments...)
	out.Embeds = append([]string(nil), r.Embeds...)
	out.Reactions = make([]Reaction, len(r.Reactions))
	copy(out.Reactions, r.Reactions)
	return out
}

func (r Record) hasReaction(user, emoji string) bool {
	for _, re := range r.Reactions {
		if re.User == user && re.Emoji == emoji {
			return true
		}
	}
	return false
}

// RecordsOf strips sequence numbers.
func RecordsOf(entries []Entry) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record.clone()
	}
	return out
}
