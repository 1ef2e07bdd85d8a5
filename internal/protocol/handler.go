// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol define o contrato que o núcleo consome para falar com um
// client já admitido (§6 "Protocol handler contract"). Os parsers reais de
// DataLink, SeedLink e HTTP ficam fora de escopo (§1); este pacote expõe
// apenas a interface consumida pelo supervisor/client worker e uma
// implementação mínima de referência, usada em testes e pelo binário
// cmd/ringserver.
package protocol

import (
	"context"
	"io"

	"github.com/nishisan-dev/ringserver/internal/client"
	"github.com/nishisan-dev/ringserver/internal/ring"
)

// Handler processa uma conexão já admitida até que ela termine ou ctx seja
// cancelado. O handler é responsável por: detectar/confirmar o protocolo
// (`rec.Protocol`), manter `rec.Reader` atualizado conforme consome o ring,
// chamar `rec.Touch`/`rec.AddTx`/`rec.AddRx` a cada troca, e respeitar
// `rec.StreamLimit` quando não nil.
type Handler interface {
	Serve(ctx context.Context, rec *client.Record, conn io.ReadWriteCloser, ring ring.Handle) error
}

// HandlerFunc adapta uma função simples para Handler.
type HandlerFunc func(ctx context.Context, rec *client.Record, conn io.ReadWriteCloser, ring ring.Handle) error

func (f HandlerFunc) Serve(ctx context.Context, rec *client.Record, conn io.ReadWriteCloser, ring ring.Handle) error {
	return f(ctx, rec, conn, ring)
}
