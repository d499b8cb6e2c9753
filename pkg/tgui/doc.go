// Package tgui holds small helpers for text sent to Telegram with
// ParseMode="HTML": escaping, links and length limits.
package tgui
