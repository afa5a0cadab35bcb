package forest

import "github.com/notargets/DGForest/element"

// Attachment is per-leaf data that travels with its leaf whenever the leaf
// changes owner
type Attachment interface {
	Name() string
	// Pack serializes the data attached to id and releases it locally
	Pack(id element.ID) ([]byte, error)
	// Unpack installs data received for id
	Unpack(id element.ID, data []byte) error
}

// Attach registers a for migration. Attachments are packed and unpacked in
// registration order, which must be the same on every rank.
func (f *Forest) Attach(a Attachment) {
	for i, b := range f.attachments {
		if b.Name() == a.Name() {
			f.attachments[i] = a
			return
		}
	}
	f.attachments = append(f.attachments, a)
}

func (f *Forest) Detach(name string) {
	for i, a := range f.attachments {
		if a.Name() == name {
			f.attachments = append(f.attachments[:i], f.attachments[i+1:]...)
			return
		}
	}
}

func (f *Forest) Attachments() []Attachment { return f.attachments }
