package metrics

import (
	"github.com/alem-hub/mastery-engine/pkg/timeutil"
)

// Streak представляет серию активных календарных дней.
type Streak struct {
	// Current - текущая серия дней.
	Current int `json:"current"`

	// Best - лучшая серия за всё время.
	Best int `json:"best"`

	// LastActiveDay - последний день с активностью.
	LastActiveDay timeutil.Day `json:"lastActiveDay"`
}

// RecordActivity отмечает активность в указанный день и возвращает новое состояние.
//
//   - первый активный день или разрыв в ≥1 полный день: серия = 1
//   - тот же день: без изменений
//   - следующий день: серия +1
//   - день раньше последнего (опоздавшее событие): без изменений
func (s Streak) RecordActivity(day timeutil.Day) Streak {
	if s.LastActiveDay.IsZero() {
		s.Current = 1
		s.LastActiveDay = day
		s.Best = max(s.Best, s.Current)
		return s
	}

	switch gap := timeutil.DaysBetween(s.LastActiveDay, day); {
	case gap <= 0:
		return s
	case gap == 1:
		s.Current++
	default:
		s.Current = 1
	}

	s.LastActiveDay = day
	s.Best = max(s.Best, s.Current)
	return s
}
