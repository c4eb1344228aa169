package nostr

type Tag []string

// Name returns the first element of the tag.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the second element of the tag.
func (t Tag) Value() string {
	return t.At(1)
}

func (t Tag) At(index int) string {
	if index < 0 || index >= len(t) {
		return ""
	}
	return t[index]
}

type Tags []Tag

// Find returns the first tag with the given name, or nil.
func (t Tags) Find(name string) Tag {
	for _, tag := range t {
		if tag.Name() == name {
			return tag
		}
	}
	return nil
}

func (t Tags) FindAll(name string) Tags {
	found := make(Tags, 0)
	for _, tag := range t {
		if tag.Name() == name {
			found = append(found, tag)
		}
	}
	return found
}

func (t Tags) Has(name string) bool {
	return t.Find(name) != nil
}

// Clone deep-copies the tag list.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	clone := make(Tags, 0, len(t))
	for _, tag := range t {
		clone = append(clone, append(Tag(nil), tag...))
	}
	return clone
}
