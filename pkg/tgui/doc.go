// Package tgui has small helpers for composing Telegram HTML replies.
//
// Every helper escapes its input, so the result is safe to send with
// ParseMode="HTML".
package tgui
