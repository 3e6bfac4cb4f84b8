// Package registry tracks every live connection owned by this process: its
// authenticated subject, its lifecycle state, and the set of rooms it has
// joined. The registry is one of the two indexes of the membership relation;
// the room table is the other. Only the membership coordinator mutates either.
package registry
