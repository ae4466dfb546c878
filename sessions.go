// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"sync"
)

// sessionMap tracks live sessions by SIP Call-ID. One per phone.
type sessionMap struct{ sync.Map }

func (m *sessionMap) Store(s *Session) {
	m.Map.Store(s.ID(), s)
}

func (m *sessionMap) Load(callID string) (*Session, bool) {
	v, ok := m.Map.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (m *sessionMap) Delete(callID string) {
	m.Map.Delete(callID)
}

func (m *sessionMap) Range(f func(s *Session) bool) {
	m.Map.Range(func(_, value any) bool {
		return f(value.(*Session))
	})
}
