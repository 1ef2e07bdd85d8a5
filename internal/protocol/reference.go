// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/ringserver/internal/client"
	"github.com/nishisan-dev/ringserver/internal/clientio"
	"github.com/nishisan-dev/ringserver/internal/ring"
)

// ErrUnknownCommand é devolvido quando uma linha de comando não reconhecida
// chega pela conexão.
var ErrUnknownCommand = errors.New("protocol: unknown command")

// pollInterval é o intervalo de espera quando um READ alcança a borda do
// ring e precisa aguardar o próximo pacote (§6 handler contract — o core
// não bloqueia, quem bloqueia é o handler).
const pollInterval = 50 * time.Millisecond

// Reference implementa um protocolo de linha mínimo e auto-contido, usado
// nos testes do núcleo e também como o handler que cmd/ringserver passa ao
// supervisor (os parsers reais de DataLink/SeedLink/HTTP estão fora de
// escopo, §1). Comandos, um por linha:
//
//	PING
//	WRITE <streamID> <nBytes>\n<nBytes raw bytes>
//	READ <offset>
//
// grounded no estilo de framing texto-com-prefixo de
// internal/protocol/reader.go (ReadString('\n') + io.ReadFull para os
// campos binários), generalizado para o vocabulário do ring em vez do
// vocabulário de backup.
type Reference struct{}

func (Reference) Serve(ctx context.Context, rec *client.Record, conn io.ReadWriteCloser, rb ring.Handle) error {
	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "PING":
			rec.Touch(time.Now())
			if _, err := io.WriteString(conn, "PONG\n"); err != nil {
				return err
			}
		case "WRITE":
			if err := serveWrite(rec, reader, conn, rb, fields); err != nil {
				return err
			}
		case "READ":
			return serveRead(ctx, rec, conn, rb, fields)
		default:
			io.WriteString(conn, "ERR "+ErrUnknownCommand.Error()+"\n")
		}
	}
}

func serveWrite(rec *client.Record, reader *bufio.Reader, conn io.Writer, rb ring.Handle, fields []string) error {
	if len(fields) != 3 {
		_, err := io.WriteString(conn, "ERR WRITE requires <streamID> <nBytes>\n")
		return err
	}
	streamID := fields[1]
	n, err := strconv.Atoi(fields[2])
	if err != nil || n < 0 {
		_, werr := io.WriteString(conn, "ERR bad byte count\n")
		if werr != nil {
			return werr
		}
		return nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("reading write payload: %w", err)
	}

	if !rec.WritePermit {
		_, werr := io.WriteString(conn, "ERR write not permitted\n")
		return werr
	}
	if rec.StreamLimit != nil && !rec.StreamLimit.MatchString(streamID) {
		_, werr := io.WriteString(conn, "ERR stream id rejected by limit pattern\n")
		return werr
	}

	offset, err := rb.WritePacket(streamID, buf)
	if err != nil {
		_, werr := io.WriteString(conn, "ERR "+err.Error()+"\n")
		if werr != nil {
			return werr
		}
		return nil
	}

	if rec.ArchiveWriter != nil {
		_, _ = rec.ArchiveWriter.Write(buf) // best-effort mirror, not part of the write's success contract
	}

	rec.Touch(time.Now())
	rec.AddRx(1, int64(n))
	_, err = io.WriteString(conn, fmt.Sprintf("OK %d\n", offset))
	return err
}

func serveRead(ctx context.Context, rec *client.Record, conn io.Writer, rb ring.Handle, fields []string) error {
	offset := rb.EarliestOffset()
	if len(fields) == 2 {
		if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			offset = v
		}
	}
	rec.Reader.Set(offset)

	out := clientio.NewThrottledWriter(ctx, conn, rec.TxBytesPerSec)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		pkt, err := rb.ReadPacket(offset)
		switch {
		case err == nil:
			if rec.StreamLimit != nil && !rec.StreamLimit.MatchString(pkt.StreamID) {
				offset++
				rec.Reader.Set(offset)
				continue
			}
			line := fmt.Sprintf("PKT %s %d %d\n", pkt.StreamID, pkt.Offset, len(pkt.Data))
			if _, werr := io.WriteString(out, line); werr != nil {
				return werr
			}
			if _, werr := out.Write(pkt.Data); werr != nil {
				return werr
			}
			rec.Touch(time.Now())
			rec.AddTx(1, int64(len(pkt.Data)))
			offset++
			rec.Reader.Set(offset)
		case errors.Is(err, ring.ErrOffsetNotReady):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		case errors.Is(err, ring.ErrOffsetExpired):
			offset = rb.EarliestOffset()
			rec.Reader.Set(offset)
		default:
			return err
		}
	}
}
