// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package proto defines the reserved protocol-tag enumeration shared by the
// wire codec, the internal channel, and the channel manager, plus a small
// table mapping a channel's role to the pair of tags it writes with.
package proto
