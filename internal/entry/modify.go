package entry

// ModType identifies one modify sub-operation.
type ModType int

const (
	ModAdd ModType = iota
	ModReplace
	ModDelete
)

func (m ModType) String() string {
	switch m {
	case ModAdd:
		return "add"
	case ModReplace:
		return "replace"
	case ModDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mod is a single modify sub-operation: add, replace or delete of values
// of one attribute.
type Mod struct {
	Type   ModType
	Name   string
	Values []string
}

// Apply applies an ordered list of modifications to the entry. The caller
// is responsible for atomicity: apply to a Clone and swap in on success.
func (e *Entry) Apply(mods []Mod) error {
	for _, mod := range mods {
		switch mod.Type {
		case ModAdd:
			if err := e.AddValues(mod.Name, mod.Values...); err != nil {
				return err
			}
		case ModReplace:
			e.SetValues(mod.Name, mod.Values...)
		case ModDelete:
			if err := e.DeleteValues(mod.Name, mod.Values...); err != nil {
				return err
			}
		}
	}
	return nil
}
