package tts

import "sort"

// Model is one synthesis model with its speaker and style namespaces.
type Model struct {
	ID   int
	Name string

	speakers     map[string]int
	speakerNames map[int]string
	styles       map[string]int
	styleNames   map[int]string
}

// NewModel builds a Model and the id-to-name reverse maps.
func NewModel(id int, name string, speakers, styles map[string]int) Model {
	m := Model{
		ID:           id,
		Name:         name,
		speakers:     make(map[string]int, len(speakers)),
		speakerNames: make(map[int]string, len(speakers)),
		styles:       make(map[string]int, len(styles)),
		styleNames:   make(map[int]string, len(styles)),
	}
	for n, i := range speakers {
		m.speakers[n] = i
		m.speakerNames[i] = n
	}
	for n, i := range styles {
		m.styles[n] = i
		m.styleNames[i] = n
	}
	return m
}

func (m Model) SpeakerID(name string) (int, bool) {
	id, ok := m.speakers[name]
	return id, ok
}

func (m Model) SpeakerName(id int) (string, bool) {
	n, ok := m.speakerNames[id]
	return n, ok
}

func (m Model) StyleID(name string) (int, bool) {
	id, ok := m.styles[name]
	return id, ok
}

func (m Model) StyleName(id int) (string, bool) {
	n, ok := m.styleNames[id]
	return n, ok
}

// Speakers returns speaker names ordered by id.
func (m Model) Speakers() []string {
	return namesByID(m.speakerNames)
}

// Styles returns style names ordered by id.
func (m Model) Styles() []string {
	return namesByID(m.styleNames)
}

func namesByID(byID map[int]string) []string {
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

// Catalog is an immutable set of models. It is rebuilt wholesale on refresh
// and never patched in place.
type Catalog struct {
	models []Model // sorted by ID
	byName map[string]int
}

// NewCatalog indexes models by name. When two models share a display name the
// one with the lower id wins the name lookup.
func NewCatalog(models []Model) *Catalog {
	sorted := make([]Model, len(models))
	copy(sorted, models)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c := &Catalog{models: sorted, byName: make(map[string]int, len(sorted))}
	for i, m := range sorted {
		if _, dup := c.byName[m.Name]; !dup {
			c.byName[m.Name] = i
		}
	}
	return c
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.models)
}

// Models returns a copy of the models in id order.
func (c *Catalog) Models() []Model {
	if c == nil {
		return nil
	}
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

func (c *Catalog) Lookup(name string) (Model, bool) {
	if c == nil {
		return Model{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return Model{}, false
	}
	return c.models[i], true
}

// Resolve turns a requested profile into a valid voice. The model falls back
// to guildDefault and then to the lowest-id model. Speaker and style each fall
// back to id 0 within whichever model was chosen.
func (c *Catalog) Resolve(p Profile, guildDefault string) Voice {
	v := Voice{Rate: p.Rate}
	if c.Len() == 0 {
		return v
	}

	m, ok := c.Lookup(p.ModelName)
	if !ok {
		m, ok = c.Lookup(guildDefault)
	}
	if !ok {
		m = c.models[0]
	}
	v.ModelID = m.ID
	v.ModelName = m.Name

	if id, ok := m.SpeakerID(p.SpeakerName); ok {
		v.SpeakerID, v.SpeakerName = id, p.SpeakerName
	} else {
		v.SpeakerID = 0
		v.SpeakerName, _ = m.SpeakerName(0)
	}

	if id, ok := m.StyleID(p.StyleName); ok {
		v.StyleID, v.StyleName = id, p.StyleName
	} else {
		v.StyleID = 0
		v.StyleName, _ = m.StyleName(0)
	}

	return v
}
