package model

// Message is the mongo document for the messages collection. Edits and
// deletes mutate in place; Deleted rows stay behind as tombstones so message
// ids never get reused.
type Message struct {
	ID         string `bson:"_id" json:"messageId"`
	ChannelID  string `bson:"channel_id" json:"channelId"`
	UserID     string `bson:"user_id" json:"userId"`
	Content    string `bson:"content" json:"content"`
	ReplyTo    string `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
	Pinned     bool   `bson:"pinned" json:"pinned"`
	Deleted    bool   `bson:"deleted" json:"-"`
	CreateTime int64  `bson:"create_time" json:"ts"`
	EditTime   int64  `bson:"edit_time,omitempty" json:"editTs,omitempty"`
}
