package email

import "maps"

// recipients maps address to display name and remembers the order in which
// addresses were first added.
type recipients struct {
	order []string
	names map[string]string
}

func newRecipients() recipients {
	return recipients{names: make(map[string]string)}
}

// add validates every address before storing any of them.
func (r *recipients) add(addrs []Address) error {
	for _, a := range addrs {
		if err := a.Validate(); err != nil {
			return err
		}
	}

	for _, a := range addrs {
		if _, ok := r.names[a.Email]; !ok {
			r.order = append(r.order, a.Email)
		}
		r.names[a.Email] = a.Name
	}
	return nil
}

func (r *recipients) snapshot() map[string]string {
	return maps.Clone(r.names)
}

func (r *recipients) list() []Address {
	out := make([]Address, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, Address{Name: r.names[addr], Email: addr})
	}
	return out
}

func (r *recipients) len() int {
	return len(r.order)
}
