package runtime

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/harunnryd/threadline/internal/config"
)

type RuntimeBuilder interface {
	WithContext(ctx context.Context) RuntimeBuilder
	WithConfig(cfg *config.Config) RuntimeBuilder
	WithOutput(out io.Writer) RuntimeBuilder
	Build() (*Components, error)
}

type DefaultRuntimeBuilder struct {
	ctx context.Context
	cfg *config.Config
	out io.Writer
}

func NewRuntimeBuilder() RuntimeBuilder {
	return &DefaultRuntimeBuilder{}
}

func (b *DefaultRuntimeBuilder) WithContext(ctx context.Context) RuntimeBuilder {
	b.ctx = ctx
	return b
}

func (b *DefaultRuntimeBuilder) WithConfig(cfg *config.Config) RuntimeBuilder {
	b.cfg = cfg
	return b
}

func (b *DefaultRuntimeBuilder) WithOutput(out io.Writer) RuntimeBuilder {
	b.out = out
	return b
}

func (b *DefaultRuntimeBuilder) Build() (*Components, error) {
	if b.ctx == nil {
		b.ctx = context.Background()
	}

	if b.cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if b.out == nil {
		b.out = os.Stdout
	}

	return NewComponents(b.ctx, b.cfg, b.out)
}
