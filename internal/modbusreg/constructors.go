package modbusreg

// Convenience constructors mirroring register.py's Reg_s16/Reg_u16/...
// one-liners, adapted to build a tagged Register instead of instantiating
// a subclass.

// Option mutates a Register after construction; used for the optional
// fields (Name, Scale, Invalid, Write, MaxAge, OnChange, ...).
type Option func(*Register)

func WithName(name string) Option    { return func(r *Register) { r.Name = name } }
func WithAccess(a string) Option     { return func(r *Register) { r.Access = a } }
func WithScale(s float64) Option     { return func(r *Register) { r.Scale = s } }
func WithInvalid(v ...int64) Option  { return func(r *Register) { r.Invalid = v } }
func WithWrite(w WritePolicy) Option { return func(r *Register) { r.Write = w } }
func WithMaxAgeNanos(n int64) Option { return func(r *Register) { r.MaxAge = n } }
func WithOnChange(f func(r *Register)) Option {
	return func(r *Register) { r.OnChange = f }
}
func WithPattern(p string) Option { return func(r *Register) { r.Text.Pattern = p } }
func WithTable(t map[int]string) Option {
	return func(r *Register) { r.Text.Table = t }
}
func WithFormatter(f func(any) string) Option {
	return func(r *Register) { r.Text.Func = f }
}

func apply(r *Register, opts []Option) *Register {
	for _, o := range opts {
		o(r)
	}
	return r
}

func S16Reg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: S16, Count: 1}, opts)
}

func U16Reg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: U16, Count: 1}, opts)
}

func S32BReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: S32B, Count: 2}, opts)
}

func U32BReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: U32B, Count: 2}, opts)
}

func S64BReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: S64B, Count: 4}, opts)
}

func U64BReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: U64B, Count: 4}, opts)
}

func F32BReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: F32B, Count: 2}, opts)
}

func S32LReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: S32L, Count: 2}, opts)
}

func U32LReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: U32L, Count: 2}, opts)
}

func S64LReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: S64L, Count: 4}, opts)
}

func U64LReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: U64L, Count: 4}, opts)
}

func F32LReg(base uint16, opts ...Option) *Register {
	return apply(&Register{Base: base, Coding: F32L, Count: 2}, opts)
}

// TextReg declares a fixed-length text register spanning count words.
func TextReg(base uint16, count int, little bool, opts ...Option) *Register {
	r := &Register{Base: base, Coding: Text, Count: count, TextLittleEndian: little}
	return apply(r, opts)
}

// Enum16Reg declares a closed-enum register. allowed is the set of valid
// raw values; def, if non-nil, is returned for unrecognized raw values,
// which otherwise pass through unchanged.
func Enum16Reg(base uint16, allowed []int, def *int, opts ...Option) *Register {
	enum := make(map[int]bool, len(allowed))
	for _, v := range allowed {
		enum[v] = true
	}
	r := &Register{Base: base, Coding: Enum16, Count: 1, Enum: enum, EnumDef: def}
	return apply(r, opts)
}

// Map16Reg declares a table-mapped register (Reg_map/Reg_mapu16 in the
// original): raw values not present in tab decode to "no value".
func Map16Reg(base uint16, tab map[int]int, opts ...Option) *Register {
	r := &Register{Base: base, Coding: Map16, Count: 1, Table: tab}
	return apply(r, opts)
}

// PackedReg declares a bit-packed alarm-word register: count words, each
// holding items fields of bits width, MSB-first.
func PackedReg(base uint16, count, bits, items int, opts ...Option) *Register {
	r := &Register{Base: base, Coding: Packed, Count: count, PackedBits: bits, PackedItems: items}
	return apply(r, opts)
}
