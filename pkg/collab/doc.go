// Package collab is the server core of the template collaboration channel:
// rooms keyed by template, presence with session colors, lossy cursor
// broadcast, and version-sequenced template changes fanned out to everyone
// else in the room. Transport, persistence, and cross-instance delivery plug
// in from the outside; the hub only knows their interfaces.
package collab
