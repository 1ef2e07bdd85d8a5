// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ipacl implementa o matcher de listas de rede CIDR usado pela
// política de admissão do listener (§4.3).
package ipacl

import (
	"net"

	"github.com/nishisan-dev/ringserver/internal/config"
)

// List é uma lista ordenada de entradas de política. A ordem de inserção é
// preservada; Match percorre a lista e retorna a primeira que casar (§4.3
// "Lists are searched in insertion order; first match wins").
type List []config.PolicyEntry

// Match retorna a primeira entrada cuja rede contém addr, e true. Se nenhuma
// entrada casar, retorna (nil, false). Apenas famílias IPv4 e IPv6 são
// comparadas (§4.3); outras famílias nunca casam.
func (l List) Match(addr net.IP) (*config.PolicyEntry, bool) {
	for i := range l {
		entry := &l[i]
		network := entry.Network()
		if network == nil {
			continue
		}
		if matches(network, addr) {
			return entry, true
		}
	}
	return nil, false
}

// matches aplica a regra de comparação do §4.3: para IPv4, (addr & mask) ==
// network; para IPv6, AND octeto-a-octeto sobre os 16 bytes.
func matches(network *net.IPNet, addr net.IP) bool {
	if v4 := addr.To4(); v4 != nil {
		netV4 := network.IP.To4()
		if netV4 == nil {
			return false // rede é IPv6, endereço é IPv4: família não compatível
		}
		mask := network.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}
		for i := 0; i < len(v4); i++ {
			if v4[i]&mask[i] != netV4[i] {
				return false
			}
		}
		return true
	}

	v6 := addr.To16()
	netV6 := network.IP.To16()
	if v6 == nil || netV6 == nil {
		return false
	}
	mask := network.Mask
	if len(mask) == net.IPv4len {
		return false // rede é IPv4, endereço é IPv6
	}
	for i := 0; i < net.IPv6len; i++ {
		if v6[i]&mask[i] != netV6[i] {
			return false
		}
	}
	return true
}
