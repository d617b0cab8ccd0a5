// Package session persists the presence API session cookies between runs so
// the bot can skip interactive login (and two-factor prompts) on restart.
//
// Cookies are opaque here: the store never inspects names or values, it only
// moves them between memory and a line-oriented cookie jar file.
package session
