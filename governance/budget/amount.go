package budget

import (
	"fmt"
	"math"
)

// Amount 金额，单位为美分
type Amount int64

// Dollars 将美元金额换算为 Amount，四舍五入到分
func Dollars(d float64) Amount {
	return Amount(math.Round(d * 100))
}

// Dollars 返回美元值
func (a Amount) Dollars() float64 {
	return float64(a) / 100
}

func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}
