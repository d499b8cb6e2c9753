package tgui

// MaxMessageRunes is Telegram's limit on the text of a single message.
const MaxMessageRunes = 4096
