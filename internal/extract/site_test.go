package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSiteURLs(t *testing.T) {
	t.Parallel()

	s, err := NewSite("https://www.amazon.co.jp/some/path")
	require.NoError(t, err)
	require.Equal(t, "https://www.amazon.co.jp/your-orders/orders", s.HistoryURL())
	require.Equal(t, "https://www.amazon.co.jp/your-orders/orders?startIndex=0&timeFilter=year-2023", s.YearPageURL(2023, 1))
	require.Equal(t, "https://www.amazon.co.jp/your-orders/orders?startIndex=10&timeFilter=year-2023", s.YearPageURL(2023, 2))
	require.Equal(t, "https://www.amazon.co.jp/your-orders/orders?startIndex=99990&timeFilter=year-2023", s.YearPageURL(2023, 10000))
	require.Equal(t, "https://www.amazon.co.jp/gp/your-account/order-details/?orderID=503-1-2", s.OrderURL("503-1-2"))
}

func TestNewSiteRejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := NewSite("/orders")
	require.Error(t, err)
}
