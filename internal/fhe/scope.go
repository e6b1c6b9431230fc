package fhe

// Scope is an Evaluator that records every ciphertext it produces, so the
// intermediates of one computation can be released together once its
// results have been persisted.
type Scope struct {
	Evaluator
	created []Handle
}

// NewScope starts recording ciphertexts produced through ev. A Scope is
// not safe for concurrent use.
func NewScope(ev Evaluator) *Scope {
	return &Scope{Evaluator: ev}
}

func (s *Scope) track(h Handle) Handle {
	s.created = append(s.created, h)
	return h
}

func (s *Scope) Encrypt(v uint64) Uint64 {
	return Uint64At(s.track(s.Evaluator.Encrypt(v).Handle()))
}

func (s *Scope) VerifyInput(in Input, sender string) (Uint64, error) {
	v, err := s.Evaluator.VerifyInput(in, sender)
	if err != nil {
		return v, err
	}
	return Uint64At(s.track(v.Handle())), nil
}

func (s *Scope) Add(a, b Uint64) Uint64 { return Uint64At(s.track(s.Evaluator.Add(a, b).Handle())) }
func (s *Scope) Sub(a, b Uint64) Uint64 { return Uint64At(s.track(s.Evaluator.Sub(a, b).Handle())) }
func (s *Scope) Mul(a, b Uint64) Uint64 { return Uint64At(s.track(s.Evaluator.Mul(a, b).Handle())) }

func (s *Scope) Lt(a, b Uint64) Bool { return BoolAt(s.track(s.Evaluator.Lt(a, b).Handle())) }
func (s *Scope) Gt(a, b Uint64) Bool { return BoolAt(s.track(s.Evaluator.Gt(a, b).Handle())) }
func (s *Scope) Ge(a, b Uint64) Bool { return BoolAt(s.track(s.Evaluator.Ge(a, b).Handle())) }
func (s *Scope) And(a, b Bool) Bool  { return BoolAt(s.track(s.Evaluator.And(a, b).Handle())) }

func (s *Scope) Select(c Bool, a, b Uint64) Uint64 {
	return Uint64At(s.track(s.Evaluator.Select(c, a, b).Handle()))
}

// Close releases every recorded ciphertext except keep. The scope is
// empty afterwards and may be reused.
func (s *Scope) Close(keep ...Ciphertext) {
	kept := make(map[Handle]struct{}, len(keep))
	for _, ct := range keep {
		kept[ct.Handle()] = struct{}{}
	}
	var drop []Ciphertext
	for _, h := range s.created {
		if _, ok := kept[h]; !ok {
			drop = append(drop, Uint64At(h))
		}
	}
	s.created = nil
	if len(drop) > 0 {
		s.Evaluator.Release(drop...)
	}
}
