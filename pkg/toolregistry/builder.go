package toolregistry

import "time"

// Builder assembles a Descriptor. New tools are enabled, general, read-only
// unless told otherwise.
type Builder struct {
	d Descriptor
}

func NewTool(name string) *Builder {
	return &Builder{d: Descriptor{
		Name:       name,
		Category:   CategoryGeneral,
		Permission: PermissionRead,
		Enabled:    true,
	}}
}

func (b *Builder) Describe(description string) *Builder {
	b.d.Description = description
	return b
}

func (b *Builder) Param(name, typ, description string, required bool) *Builder {
	b.d.Parameters = append(b.d.Parameters, Parameter{Name: name, Type: typ, Description: description, Required: required})
	return b
}

// EnumParam adds a string parameter restricted to values.
func (b *Builder) EnumParam(name, description string, required bool, values ...string) *Builder {
	b.d.Parameters = append(b.d.Parameters, Parameter{Name: name, Type: "string", Description: description, Required: required, Enum: values})
	return b
}

func (b *Builder) Category(c Category) *Builder {
	b.d.Category = c
	return b
}

func (b *Builder) Permission(p Permission) *Builder {
	b.d.Permission = p
	return b
}

// Keywords adds extra terms the selector matches against.
func (b *Builder) Keywords(kw ...string) *Builder {
	b.d.Keywords = append(b.d.Keywords, kw...)
	return b
}

func (b *Builder) Timeout(d time.Duration) *Builder {
	b.d.Timeout = d
	return b
}

func (b *Builder) Disabled() *Builder {
	b.d.Enabled = false
	return b
}

func (b *Builder) Invoke(fn InvokeFunc) *Builder {
	b.d.Invoke = fn
	return b
}

func (b *Builder) Build() Descriptor {
	d := b.d
	d.Parameters = append([]Parameter(nil), b.d.Parameters...)
	d.Keywords = append([]string(nil), b.d.Keywords...)
	return d
}
